// ABOUTME: Asynchronous DID registration with bounded exponential backoff
// ABOUTME: Chain failures are retried in the background; registration never blocks

package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// didSink receives a successfully registered DID. Satisfied by *Registry.
type didSink interface {
	SetDID(ctx context.Context, agentID, did string) error
}

// DIDRefresher registers agent DIDs against the chain service in the
// background. Each scheduled agent gets up to maxAttempts tries with
// exponential backoff; exhaustion is logged and the agent stays without a
// DID until the next explicit refresh.
type DIDRefresher struct {
	registrar   DIDRegistrar
	sink        didSink
	maxAttempts int
	retryBase   time.Duration
	logger      *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// NewDIDRefresher creates a refresher. maxAttempts and retryBase fall back
// to 5 attempts and 1s when non-positive.
func NewDIDRefresher(registrar DIDRegistrar, maxAttempts int, retryBase time.Duration) *DIDRefresher {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if retryBase <= 0 {
		retryBase = time.Second
	}
	return &DIDRefresher{
		registrar:   registrar,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		logger:      slog.Default().With("component", "did-refresher"),
		done:        make(chan struct{}),
	}
}

// Schedule starts a background registration attempt for the agent. Safe to
// call concurrently; returns immediately.
func (d *DIDRefresher) Schedule(agentID string) {
	if d == nil || d.registrar == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.refresh(agentID)
	}()
}

// Close stops pending retries and waits for in-flight attempts to finish.
func (d *DIDRefresher) Close() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *DIDRefresher) refresh(agentID string) {
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		did, err := d.registrar.RegisterDID(ctx, agentID)
		cancel()

		if err == nil {
			sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer scancel()
			if serr := d.sink.SetDID(sctx, agentID, did); serr != nil {
				d.logger.Error("storing did failed", "agent_id", agentID, "did", did, "error", serr)
				return
			}
			d.logger.Info("did registered", "agent_id", agentID, "did", did, "attempts", attempt)
			return
		}

		d.logger.Warn("did registration failed",
			"agent_id", agentID, "attempt", attempt, "max_attempts", d.maxAttempts, "error", err)

		if attempt == d.maxAttempts {
			break
		}
		backoff := d.retryBase * (1 << (attempt - 1))
		select {
		case <-time.After(backoff):
		case <-d.done:
			return
		}
	}
	d.logger.Error("did registration exhausted retries", "agent_id", agentID, "attempts", d.maxAttempts)
}
