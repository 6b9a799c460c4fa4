// Package identity manages owners, agents, and the relationships between
// them.
//
// # Entities
//
// Owner: a human or organization that agents can be bound to. Agent: an
// autonomous participant that sends and receives messages. A binding maps an
// agent to at most one owner at a time; rebinding is last-write-wins and the
// displaced binding is appended to the agent's owner-change history.
// Sub-agent edges form a parent/child graph used for collaboration-chain
// queries; cycle creation is rejected at write time.
//
// # Lifecycle
//
// Agents are never deleted. They start pending, become active when
// registration completes, and can be revoked. Registration also triggers two
// asynchronous side effects that never block or fail the call: a
// permission-init notification to the policy service, and DID registration
// against the chain service with bounded retry.
//
// All state lives in the storage backend, so every configured backend yields
// identical behavior.
package identity
