// ABOUTME: RoomManager: policy-scoped room lookup with race-safe provisioning
// ABOUTME: PutIfAbsent claims ensure one provisioner call per scope key

package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dubhe-im/dubhe/internal/config"
	"github.com/dubhe-im/dubhe/internal/identity"
	"github.com/dubhe-im/dubhe/internal/storage"
)

// Room errors.
var (
	// ErrRoomProvisioningFailed marks a failed or timed-out provisioning
	// attempt. No partial state remains; the call is safe to retry.
	ErrRoomProvisioningFailed = errors.New("room provisioning failed")
)

// Storage buckets.
const (
	bucketRooms     = "rooms"
	bucketRoomIndex = "room_index"
)

// Claim states stored in the rooms bucket.
const (
	claimProvisioning = "provisioning"
	claimReady        = "ready"
)

// Provisioner creates a room in the channel backend. Implemented by the
// Matrix client.
type Provisioner interface {
	CreateRoom(ctx context.Context, name, topic string) (string, error)
}

// OwnerResolver resolves an agent's current owner binding. Implemented by
// the identity registry.
type OwnerResolver interface {
	OwnerOf(ctx context.Context, agentID string) (*identity.Binding, error)
}

// roomClaim is the stored record for one scope key.
type roomClaim struct {
	ScopeKey  string    `json:"scope_key"`
	Status    string    `json:"status"`
	RoomID    string    `json:"room_id,omitempty"`
	ClaimedBy string    `json:"claimed_by"` // agent that won the claim
	ClaimedAt time.Time `json:"claimed_at"`
	ReadyAt   time.Time `json:"ready_at,omitempty"`
}

// roomIndexEntry is the reverse mapping from room id to scope.
type roomIndexEntry struct {
	RoomID   string `json:"room_id"`
	ScopeKey string `json:"scope_key"`
	OwnerID  string `json:"owner_id,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
}

// Manager resolves and provisions rooms according to the configured policy.
type Manager struct {
	backend     storage.Backend
	provisioner Provisioner
	resolver    OwnerResolver
	policy      string
	logger      *slog.Logger

	// Poll tuning for claim losers waiting on the winner's commit.
	PollInterval time.Duration
	PollTimeout  time.Duration
	// ClaimTTL bounds how long an uncommitted claim is honored. A winner
	// that crashed before committing (durable backends survive restarts)
	// would otherwise wedge the scope forever.
	ClaimTTL time.Duration
}

// NewManager creates a room manager. policy is one of the config room
// policy constants; anything else falls back to dedicated.
func NewManager(backend storage.Backend, provisioner Provisioner, resolver OwnerResolver, policy string) *Manager {
	if policy != config.RoomPolicyShared {
		policy = config.RoomPolicyDedicated
	}
	return &Manager{
		backend:      backend,
		provisioner:  provisioner,
		resolver:     resolver,
		policy:       policy,
		logger:       slog.Default().With("component", "rooms"),
		PollInterval: 50 * time.Millisecond,
		PollTimeout:  15 * time.Second,
		ClaimTTL:     time.Minute,
	}
}

// EnsureRoomForAgent returns the room id for the agent's scope, provisioning
// it on first use. Concurrent calls for the same scope produce exactly one
// provisioner call and identical room ids.
func (m *Manager) EnsureRoomForAgent(ctx context.Context, agentID string) (string, error) {
	scope, ownerID, err := m.scopeKey(ctx, agentID)
	if err != nil {
		return "", err
	}

	// Claim loop: a vanished claim means the previous winner failed, so the
	// scope is up for grabs again.
	deadline := time.Now().Add(m.PollTimeout)
	for {
		claim := roomClaim{
			ScopeKey:  scope,
			Status:    claimProvisioning,
			ClaimedBy: agentID,
			ClaimedAt: time.Now().UTC(),
		}
		rec, err := storage.Encode(claim)
		if err != nil {
			return "", fmt.Errorf("encoding room claim: %w", err)
		}

		stored, created, err := m.backend.PutIfAbsent(ctx, bucketRooms, scope, rec)
		if err != nil {
			return "", fmt.Errorf("claiming room scope: %w", err)
		}

		if created {
			return m.provision(ctx, scope, ownerID, agentID)
		}

		var existing roomClaim
		if err := storage.Decode(stored, &existing); err != nil {
			return "", fmt.Errorf("decoding room claim: %w", err)
		}
		if existing.RoomID != "" {
			return existing.RoomID, nil
		}

		// An uncommitted claim past the TTL belongs to a crashed winner;
		// release it and contend again.
		if time.Since(existing.ClaimedAt) > m.ClaimTTL {
			m.logger.Warn("releasing stale room claim", "scope", scope, "claimed_by", existing.ClaimedBy)
			if _, err := m.backend.Delete(ctx, bucketRooms, scope); err != nil {
				return "", fmt.Errorf("releasing stale room claim: %w", err)
			}
			continue
		}

		roomID, retry, err := m.awaitCommit(ctx, scope, deadline)
		if err != nil {
			return "", err
		}
		if !retry {
			return roomID, nil
		}
	}
}

// RoomScope returns the stored scope entry for a room id, used to route
// inbound channel events back to agents. Returns storage.ErrNotFound for
// rooms the hub does not manage.
func (m *Manager) RoomScope(ctx context.Context, roomID string) (ownerID, agentID string, err error) {
	rec, err := m.backend.Get(ctx, bucketRoomIndex, roomID)
	if err != nil {
		return "", "", err
	}
	var entry roomIndexEntry
	if err := storage.Decode(rec, &entry); err != nil {
		return "", "", fmt.Errorf("decoding room index: %w", err)
	}
	return entry.OwnerID, entry.AgentID, nil
}

// scopeKey computes the claim key for an agent under the active policy. The
// shared policy needs a binding; unbound agents fall back to a dedicated
// room so first contact still works.
func (m *Manager) scopeKey(ctx context.Context, agentID string) (scope, ownerID string, err error) {
	if m.policy == config.RoomPolicyShared {
		binding, err := m.resolver.OwnerOf(ctx, agentID)
		if err == nil {
			return "owner:" + binding.OwnerID, binding.OwnerID, nil
		}
		if !errors.Is(err, identity.ErrNoBinding) {
			return "", "", err
		}
	}
	return "agent:" + agentID, "", nil
}

// provision creates the room and commits it under the claim. Every failure
// path releases the claim so the scope stays claimable; a failed attempt
// leaves no state behind.
func (m *Manager) provision(ctx context.Context, scope, ownerID, agentID string) (string, error) {
	name, topic := roomNameFor(ownerID, agentID)

	roomID, err := m.provisioner.CreateRoom(ctx, name, topic)
	if err != nil {
		m.releaseClaim(ctx, scope)
		return "", fmt.Errorf("%w: %v", ErrRoomProvisioningFailed, err)
	}

	committed := roomClaim{
		ScopeKey:  scope,
		Status:    claimReady,
		RoomID:    roomID,
		ClaimedBy: agentID,
		ClaimedAt: time.Now().UTC(),
		ReadyAt:   time.Now().UTC(),
	}
	rec, err := storage.Encode(committed)
	if err != nil {
		m.releaseClaim(ctx, scope)
		return "", fmt.Errorf("encoding room commit: %w", err)
	}
	if err := m.backend.Put(ctx, bucketRooms, scope, rec); err != nil {
		m.releaseClaim(ctx, scope)
		return "", fmt.Errorf("%w: committing room: %v", ErrRoomProvisioningFailed, err)
	}

	index := roomIndexEntry{RoomID: roomID, ScopeKey: scope, OwnerID: ownerID, AgentID: agentID}
	if ownerID != "" {
		index.AgentID = "" // shared rooms are owner-scoped
	}
	idxRec, err := storage.Encode(index)
	if err != nil {
		m.releaseClaim(ctx, scope)
		return "", fmt.Errorf("encoding room index: %w", err)
	}
	if err := m.backend.Put(ctx, bucketRoomIndex, roomID, idxRec); err != nil {
		m.releaseClaim(ctx, scope)
		return "", fmt.Errorf("%w: storing room index: %v", ErrRoomProvisioningFailed, err)
	}

	m.logger.Info("room provisioned", "scope", scope, "room_id", roomID)
	return roomID, nil
}

// releaseClaim deletes the scope's claim after a failed provisioning
// attempt. Best effort: a leftover claim still expires via ClaimTTL.
func (m *Manager) releaseClaim(ctx context.Context, scope string) {
	if _, err := m.backend.Delete(ctx, bucketRooms, scope); err != nil {
		m.logger.Error("releasing failed room claim", "scope", scope, "error", err)
	}
}

// awaitCommit polls the claim until the winner commits a room id, the claim
// disappears (retry=true), or the deadline passes.
func (m *Manager) awaitCommit(ctx context.Context, scope string, deadline time.Time) (roomID string, retry bool, err error) {
	ticker := time.NewTicker(m.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-ticker.C:
		}

		rec, err := m.backend.Get(ctx, bucketRooms, scope)
		if errors.Is(err, storage.ErrNotFound) {
			return "", true, nil // winner failed, claim again
		}
		if err != nil {
			return "", false, fmt.Errorf("polling room claim: %w", err)
		}

		var claim roomClaim
		if err := storage.Decode(rec, &claim); err != nil {
			return "", false, fmt.Errorf("decoding room claim: %w", err)
		}
		if claim.RoomID != "" {
			return claim.RoomID, false, nil
		}

		if time.Now().After(deadline) {
			return "", false, fmt.Errorf("%w: timed out waiting for scope %s", ErrRoomProvisioningFailed, scope)
		}
	}
}

func roomNameFor(ownerID, agentID string) (name, topic string) {
	if ownerID != "" {
		return "dubhe: " + ownerID, "Shared room for agents of " + ownerID
	}
	return "dubhe: " + agentID, "Dedicated room for agent " + agentID
}
