// Package translate converts messages between the native enterprise IM
// schema and the Matrix channel schema.
//
// Translation is stateless and total: every input produces an output.
// Fields with no counterpart (rich-card interactive elements, native
// receipt data, channel formatted bodies) are dropped with a warning rather
// than an error. Mention lists are rewritten through the identity registry's
// principal mapping; references without a mapping pass through verbatim so
// nothing is silently lost.
package translate
