// ABOUTME: Package storage provides the pluggable persistence backend for dubhe
// ABOUTME: Four interchangeable implementations: memory, sqlite, postgres, mysql

// Package storage defines a small bucket/key/record store shared by every
// dubhe component that needs durable state. The contract is deliberately
// generic: domain semantics (identity, rooms, deliveries, approvals) live in
// the packages that use it, never here.
//
// All implementations satisfy identical semantics. PutIfAbsent is atomic
// with respect to concurrent callers on the same key; it is the primitive
// that makes room provisioning and approval resolution idempotent without
// application-level locks.
package storage
