// ABOUTME: IdentityRegistry managing owners, agents, bindings, and sub-agent edges
// ABOUTME: Backed by the storage package; registration side effects run async

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dubhe-im/dubhe/internal/storage"
)

// Identity errors.
var (
	ErrUnknownOwner      = errors.New("unknown owner")
	ErrUnknownAgent      = errors.New("unknown agent")
	ErrDuplicateAgent    = errors.New("agent already registered")
	ErrIdentityConflict  = errors.New("identity already registered with different metadata")
	ErrCycleDetected     = errors.New("sub-agent relationship would create a cycle")
	ErrAgentRevoked      = errors.New("agent is revoked")
	ErrNoBinding         = errors.New("agent is not bound to an owner")
	ErrSelfRelation      = errors.New("agent cannot be its own sub-agent")
	ErrDuplicateSubAgent = errors.New("sub-agent relationship already exists")
)

// Agent lifecycle states. Agents are never deleted; revocation is terminal.
const (
	AgentStatusPending = "pending"
	AgentStatusActive  = "active"
	AgentStatusRevoked = "revoked"
)

// Storage buckets used by the registry.
const (
	bucketOwners        = "owners"
	bucketAgents        = "agents"
	bucketBindings      = "bindings"
	bucketRelationships = "relationships"
	bucketOwnerHistory  = "owner_history"
)

// Owner represents a human or organization that agents bind to.
type Owner struct {
	OwnerID   string         `json:"owner_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Agent represents a registered agent.
type Agent struct {
	AgentID   string         `json:"agent_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Status    string         `json:"status"`
	DID       string         `json:"did,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Binding maps an agent to its current owner.
type Binding struct {
	AgentID string    `json:"agent_id"`
	OwnerID string    `json:"owner_id"`
	BoundAt time.Time `json:"bound_at"`
}

// OwnerChange records one displaced binding in an agent's history.
type OwnerChange struct {
	AgentID   string    `json:"agent_id"`
	OwnerID   string    `json:"owner_id"`
	Action    string    `json:"action"` // "bind" or "unbind"
	BoundAt   time.Time `json:"bound_at"`
	ChangedAt time.Time `json:"changed_at"`
}

// relationRecord is the stored adjacency for one agent in the sub-agent graph.
type relationRecord struct {
	AgentID  string   `json:"agent_id"`
	ParentID string   `json:"parent_id,omitempty"`
	Children []string `json:"children,omitempty"`
}

// Relationships is the full relationship view for one agent.
type Relationships struct {
	AgentID  string   `json:"agent_id"`
	OwnerID  string   `json:"owner_id,omitempty"`
	ParentID string   `json:"parent_id,omitempty"`
	Children []string `json:"children"`
	// Chain is the transitive closure of sub-agent edges reachable from
	// this agent, in breadth-first order, excluding the agent itself.
	Chain []string `json:"chain"`
}

// PermissionNotifier receives a one-shot notification when an agent
// completes registration. Implemented by the audit client.
type PermissionNotifier interface {
	PermissionInit(ctx context.Context, agentID string) error
}

// DIDRegistrar registers an agent identifier with the chain service and
// returns the resulting DID. Implemented by the chain client.
type DIDRegistrar interface {
	RegisterDID(ctx context.Context, agentID string) (string, error)
}

// Registry manages identity state on top of a storage backend.
//
// Read-modify-write sequences (bindings, relationship edges) are serialized
// with an in-process mutex; creation races go through the backend's
// PutIfAbsent so duplicate registration loses deterministically.
type Registry struct {
	backend   storage.Backend
	notifier  PermissionNotifier
	refresher *DIDRefresher
	logger    *slog.Logger

	mu sync.Mutex
}

// NewRegistry creates an identity registry. notifier and refresher may be
// nil; the corresponding side effects are then skipped.
func NewRegistry(backend storage.Backend, notifier PermissionNotifier, refresher *DIDRefresher) *Registry {
	r := &Registry{
		backend:   backend,
		notifier:  notifier,
		refresher: refresher,
		logger:    slog.Default().With("component", "identity"),
	}
	if refresher != nil {
		refresher.sink = r
	}
	return r
}

// RegisterOwner registers an owner. Repeating the call with equal metadata
// is a no-op returning the stored owner; differing metadata returns
// ErrIdentityConflict.
func (r *Registry) RegisterOwner(ctx context.Context, ownerID string, metadata map[string]any) (*Owner, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}

	owner := Owner{
		OwnerID:   ownerID,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	rec, err := storage.Encode(owner)
	if err != nil {
		return nil, fmt.Errorf("encoding owner: %w", err)
	}

	stored, created, err := r.backend.PutIfAbsent(ctx, bucketOwners, ownerID, rec)
	if err != nil {
		return nil, fmt.Errorf("storing owner: %w", err)
	}

	var result Owner
	if err := storage.Decode(stored, &result); err != nil {
		return nil, fmt.Errorf("decoding owner: %w", err)
	}

	if !created && !metadataEqual(result.Metadata, metadata) {
		return nil, fmt.Errorf("%w: owner %s", ErrIdentityConflict, ownerID)
	}
	if created {
		r.logger.Info("owner registered", "owner_id", ownerID)
	}
	return &result, nil
}

// RegisterAgent registers a new agent. The agent is created pending,
// transitions to active when registration completes, and the permission-init
// notification and DID registration fire asynchronously afterwards.
func (r *Registry) RegisterAgent(ctx context.Context, agentID string, metadata map[string]any) (*Agent, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	now := time.Now().UTC()
	agent := Agent{
		AgentID:   agentID,
		Metadata:  metadata,
		Status:    AgentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec, err := storage.Encode(agent)
	if err != nil {
		return nil, fmt.Errorf("encoding agent: %w", err)
	}

	_, created, err := r.backend.PutIfAbsent(ctx, bucketAgents, agentID, rec)
	if err != nil {
		return nil, fmt.Errorf("storing agent: %w", err)
	}
	if !created {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, agentID)
	}

	// Registration completes immediately; the agent is usable from here.
	agent.Status = AgentStatusActive
	agent.UpdatedAt = time.Now().UTC()
	if err := r.putAgent(ctx, &agent); err != nil {
		return nil, err
	}

	r.logger.Info("agent registered", "agent_id", agentID)

	if r.notifier != nil {
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.notifier.PermissionInit(nctx, agentID); err != nil {
				r.logger.Warn("permission init notify failed", "agent_id", agentID, "error", err)
			}
		}()
	}
	if r.refresher != nil {
		r.refresher.Schedule(agentID)
	}

	return &agent, nil
}

// Revoke transitions an agent to revoked. Revocation is terminal but the
// record remains queryable.
func (r *Registry) Revoke(ctx context.Context, agentID string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.getAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == AgentStatusRevoked {
		return agent, nil
	}

	agent.Status = AgentStatusRevoked
	agent.UpdatedAt = time.Now().UTC()
	if err := r.putAgent(ctx, agent); err != nil {
		return nil, err
	}

	r.logger.Info("agent revoked", "agent_id", agentID)
	return agent, nil
}

// Bind binds an agent to an owner. Rebinding is last-write-wins; the
// displaced binding is appended to the agent's owner-change history.
func (r *Registry) Bind(ctx context.Context, ownerID, agentID string) (*Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.GetOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	agent, err := r.getAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == AgentStatusRevoked {
		return nil, fmt.Errorf("%w: %s", ErrAgentRevoked, agentID)
	}

	now := time.Now().UTC()

	prev, err := r.getBinding(ctx, agentID)
	if err != nil && !errors.Is(err, ErrNoBinding) {
		return nil, err
	}
	if prev != nil {
		if err := r.appendHistory(ctx, prev, "bind", now); err != nil {
			return nil, err
		}
	}

	binding := Binding{AgentID: agentID, OwnerID: ownerID, BoundAt: now}
	rec, err := storage.Encode(binding)
	if err != nil {
		return nil, fmt.Errorf("encoding binding: %w", err)
	}
	if err := r.backend.Put(ctx, bucketBindings, agentID, rec); err != nil {
		return nil, fmt.Errorf("storing binding: %w", err)
	}

	r.logger.Info("agent bound", "agent_id", agentID, "owner_id", ownerID)
	return &binding, nil
}

// Unbind removes an agent's current binding and records it in history.
// Returns ErrNoBinding when the agent is unbound.
func (r *Registry) Unbind(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getAgent(ctx, agentID); err != nil {
		return err
	}

	prev, err := r.getBinding(ctx, agentID)
	if err != nil {
		return err
	}

	if err := r.appendHistory(ctx, prev, "unbind", time.Now().UTC()); err != nil {
		return err
	}
	if _, err := r.backend.Delete(ctx, bucketBindings, agentID); err != nil {
		return fmt.Errorf("removing binding: %w", err)
	}

	r.logger.Info("agent unbound", "agent_id", agentID, "owner_id", prev.OwnerID)
	return nil
}

// GetOwner returns the owner with the given id, or ErrUnknownOwner.
func (r *Registry) GetOwner(ctx context.Context, ownerID string) (*Owner, error) {
	rec, err := r.backend.Get(ctx, bucketOwners, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOwner, ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading owner: %w", err)
	}
	var owner Owner
	if err := storage.Decode(rec, &owner); err != nil {
		return nil, fmt.Errorf("decoding owner: %w", err)
	}
	return &owner, nil
}

// GetAgent returns the agent with the given id, or ErrUnknownAgent.
func (r *Registry) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	return r.getAgent(ctx, agentID)
}

// OwnerOf returns the agent's current binding, or ErrNoBinding.
func (r *Registry) OwnerOf(ctx context.Context, agentID string) (*Binding, error) {
	return r.getBinding(ctx, agentID)
}

// AgentsByOwner returns the ids of agents currently bound to the owner,
// sorted by agent id.
func (r *Registry) AgentsByOwner(ctx context.Context, ownerID string) ([]string, error) {
	keys, err := r.backend.Keys(ctx, bucketBindings, "")
	if err != nil {
		return nil, fmt.Errorf("listing bindings: %w", err)
	}

	var agents []string
	for _, agentID := range keys {
		b, err := r.getBinding(ctx, agentID)
		if errors.Is(err, ErrNoBinding) {
			continue // unbound between Keys and Get
		}
		if err != nil {
			return nil, err
		}
		if b.OwnerID == ownerID {
			agents = append(agents, agentID)
		}
	}
	return agents, nil
}

// OwnerChangeHistory returns the agent's displaced bindings, most recent
// first. limit <= 0 returns the full history.
func (r *Registry) OwnerChangeHistory(ctx context.Context, agentID string, limit int) ([]OwnerChange, error) {
	keys, err := r.backend.Keys(ctx, bucketOwnerHistory, agentID+":")
	if err != nil {
		return nil, fmt.Errorf("listing owner history: %w", err)
	}

	// Keys sort chronologically; walk backwards for most-recent-first.
	var history []OwnerChange
	for i := len(keys) - 1; i >= 0; i-- {
		if limit > 0 && len(history) >= limit {
			break
		}
		rec, err := r.backend.Get(ctx, bucketOwnerHistory, keys[i])
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading owner history: %w", err)
		}
		var change OwnerChange
		if err := storage.Decode(rec, &change); err != nil {
			return nil, fmt.Errorf("decoding owner history: %w", err)
		}
		history = append(history, change)
	}
	return history, nil
}

// SetDID stores a chain-issued DID on the agent. Used by the DID refresher.
func (r *Registry) SetDID(ctx context.Context, agentID, did string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.getAgent(ctx, agentID)
	if err != nil {
		return err
	}
	agent.DID = did
	agent.UpdatedAt = time.Now().UTC()
	return r.putAgent(ctx, agent)
}

func (r *Registry) getAgent(ctx context.Context, agentID string) (*Agent, error) {
	rec, err := r.backend.Get(ctx, bucketAgents, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	var agent Agent
	if err := storage.Decode(rec, &agent); err != nil {
		return nil, fmt.Errorf("decoding agent: %w", err)
	}
	return &agent, nil
}

func (r *Registry) putAgent(ctx context.Context, agent *Agent) error {
	rec, err := storage.Encode(agent)
	if err != nil {
		return fmt.Errorf("encoding agent: %w", err)
	}
	if err := r.backend.Put(ctx, bucketAgents, agent.AgentID, rec); err != nil {
		return fmt.Errorf("storing agent: %w", err)
	}
	return nil
}

func (r *Registry) getBinding(ctx context.Context, agentID string) (*Binding, error) {
	rec, err := r.backend.Get(ctx, bucketBindings, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoBinding, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading binding: %w", err)
	}
	var binding Binding
	if err := storage.Decode(rec, &binding); err != nil {
		return nil, fmt.Errorf("decoding binding: %w", err)
	}
	return &binding, nil
}

func (r *Registry) appendHistory(ctx context.Context, b *Binding, action string, at time.Time) error {
	change := OwnerChange{
		AgentID:   b.AgentID,
		OwnerID:   b.OwnerID,
		Action:    action,
		BoundAt:   b.BoundAt,
		ChangedAt: at,
	}
	rec, err := storage.Encode(change)
	if err != nil {
		return fmt.Errorf("encoding owner history: %w", err)
	}

	// Key sorts chronologically within the agent's prefix (fixed-width
	// fractional seconds); the uuid suffix keeps same-instant entries
	// distinct.
	key := fmt.Sprintf("%s:%s:%s", b.AgentID,
		at.Format("2006-01-02T15:04:05.000000000Z07:00"), uuid.NewString()[:8])
	if err := r.backend.Put(ctx, bucketOwnerHistory, key, rec); err != nil {
		return fmt.Errorf("storing owner history: %w", err)
	}
	return nil
}

// metadataEqual compares metadata maps by canonical JSON encoding.
func metadataEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
