// ABOUTME: Bidirectional principal mapping between native IM and channel namespaces
// ABOUTME: Used by the translator to rewrite mention lists

package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/dubhe-im/dubhe/internal/storage"
)

const bucketPrincipalMap = "principal_map"

// principalEntry stores one direction of a principal mapping.
type principalEntry struct {
	Ref string `json:"ref"`
}

// MapPrincipal records a bidirectional mapping between a native IM principal
// reference (e.g. an open id) and its channel counterpart (e.g. a Matrix
// user id). Remapping overwrites both directions.
func (r *Registry) MapPrincipal(ctx context.Context, nativeRef, channelRef string) error {
	if nativeRef == "" || channelRef == "" {
		return fmt.Errorf("both native and channel refs are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fwd, err := storage.Encode(principalEntry{Ref: channelRef})
	if err != nil {
		return fmt.Errorf("encoding principal mapping: %w", err)
	}
	if err := r.backend.Put(ctx, bucketPrincipalMap, "native:"+nativeRef, fwd); err != nil {
		return fmt.Errorf("storing principal mapping: %w", err)
	}

	rev, err := storage.Encode(principalEntry{Ref: nativeRef})
	if err != nil {
		return fmt.Errorf("encoding principal mapping: %w", err)
	}
	if err := r.backend.Put(ctx, bucketPrincipalMap, "channel:"+channelRef, rev); err != nil {
		return fmt.Errorf("storing principal mapping: %w", err)
	}
	return nil
}

// ChannelRef resolves a native principal reference to its channel
// counterpart. ok is false when no mapping exists.
func (r *Registry) ChannelRef(ctx context.Context, nativeRef string) (string, bool) {
	return r.lookupPrincipal(ctx, "native:"+nativeRef)
}

// NativeRef resolves a channel principal reference to its native
// counterpart. ok is false when no mapping exists.
func (r *Registry) NativeRef(ctx context.Context, channelRef string) (string, bool) {
	return r.lookupPrincipal(ctx, "channel:"+channelRef)
}

func (r *Registry) lookupPrincipal(ctx context.Context, key string) (string, bool) {
	rec, err := r.backend.Get(ctx, bucketPrincipalMap, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false
	}
	if err != nil {
		r.logger.Warn("principal lookup failed", "key", key, "error", err)
		return "", false
	}
	var entry principalEntry
	if err := storage.Decode(rec, &entry); err != nil {
		return "", false
	}
	return entry.Ref, true
}
