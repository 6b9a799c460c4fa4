// Package rooms maps agents to Matrix rooms and provisions rooms on first
// use.
//
// The room policy decides the scope of a room: dedicated gives every agent
// its own room, shared gives every owner one room that all bound agents
// post into. Concurrent first-use calls for the same scope race through the
// storage backend's PutIfAbsent, so exactly one caller provisions the room
// and everyone observes the same room id. A failed provisioning attempt
// releases the claim instead of committing partial state, so the next call
// retries cleanly.
package rooms
