// Package matrix wraps the mautrix client for the hub's channel needs:
// room creation, message sending, and the inbound sync listener.
//
// The Client satisfies the room manager's Provisioner and the delivery
// pipeline's Sender; every call carries a bounded timeout, and timeouts
// surface as ordinary errors the pipeline classifies as transient. The
// Listener runs the sync loop, drops duplicate events through the dedupe
// cache, translates to the native schema, and hands messages to a handler
// in a goroutine per event.
package matrix
