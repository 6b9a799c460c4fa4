// Package dedupe tracks recently seen event ids so the inbound Matrix
// listener processes each event at most once within a configurable window.
package dedupe
