// Package delivery implements the outbound message pipeline: validate the
// receiver, resolve the room, translate, send with bounded retry, and
// record the outcome.
//
// Every send is keyed by a caller-supplied delivery id. The delivery record
// is created with PutIfAbsent before the first channel attempt, so a
// duplicate send observes the existing record and returns its status
// without re-sending. Records move started -> completed or started ->
// failed and never backward. Each delivery also emits an audit event to the
// policy service in the background.
//
// There is no per-room queue: concurrent sends to the same receiver may
// interleave in the channel.
package delivery
