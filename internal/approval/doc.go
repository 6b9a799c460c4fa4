// Package approval coordinates human approval requests and their callbacks.
//
// Each request moves pending -> resolved exactly once. Requests and
// decisions are persisted through the storage backend, so a crash between
// request and callback leaves recoverable state. Callback delivery from the
// IM platform is at-least-once; the first decision wins and every repeat
// returns the stored result unchanged. Resolutions are forwarded to the
// policy service's decision endpoint in the background.
package approval
