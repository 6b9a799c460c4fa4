// ABOUTME: Tests for the delivery pipeline: dedup, retry, terminal states, audit
// ABOUTME: Uses fake sender/auditor; identity and rooms run on the memory backend

package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubhe-im/dubhe/internal/audit"
	"github.com/dubhe-im/dubhe/internal/config"
	"github.com/dubhe-im/dubhe/internal/identity"
	"github.com/dubhe-im/dubhe/internal/rooms"
	"github.com/dubhe-im/dubhe/internal/storage"
	"github.com/dubhe-im/dubhe/internal/translate"
)

type fakeSender struct {
	mu       sync.Mutex
	calls    int
	failures int // leading calls that fail
	sent     []translate.ChannelMessage
}

func (f *fakeSender) Send(_ context.Context, roomID string, msg translate.ChannelMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("rate limited")
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("$event-%d", f.calls), nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRoomProvisioner struct{ counter atomic.Int64 }

func (f *fakeRoomProvisioner) CreateRoom(context.Context, string, string) (string, error) {
	return fmt.Sprintf("!room-%d:example.com", f.counter.Add(1)), nil
}

type recordingAuditor struct{ events chan audit.Event }

func (r *recordingAuditor) ReportMessage(_ context.Context, ev audit.Event) error {
	r.events <- ev
	return nil
}

type fixture struct {
	pipeline *Pipeline
	registry *identity.Registry
	sender   *fakeSender
	auditor  *recordingAuditor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	backend := storage.NewMemoryBackend()
	registry := identity.NewRegistry(backend, nil, nil)
	manager := rooms.NewManager(backend, &fakeRoomProvisioner{}, registry, config.RoomPolicyDedicated)
	sender := &fakeSender{}
	auditor := &recordingAuditor{events: make(chan audit.Event, 8)}
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
	}
	p := NewPipeline(backend, registry, manager, translate.New(registry), sender, auditor, opts)

	_, err := registry.RegisterAgent(context.Background(), "agent-1", nil)
	require.NoError(t, err)

	return &fixture{pipeline: p, registry: registry, sender: sender, auditor: auditor}
}

func textMessage(s string) translate.NativeMessage {
	return translate.NativeMessage{MsgType: "text", Text: s}
}

func TestSend_Completes(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	status, err := f.pipeline.Send(ctx, "d-1", "agent-0", "agent-1", textMessage("hello"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)

	rec, err := f.pipeline.Status(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotEmpty(t, rec.MessageID)
	assert.NotEmpty(t, rec.RoomID)
	assert.NotEmpty(t, rec.EventID)

	// The channel message carries the injected audit fields.
	require.Len(t, f.sender.sent, 1)
	ext := f.sender.sent[0].Extension
	assert.Equal(t, rec.MessageID, ext["message_id"])
	assert.Equal(t, "agent-0", ext["sender"])
	assert.Equal(t, "agent-1", ext["receiver"])
	assert.NotEmpty(t, ext["timestamp"])
}

func TestSend_EmptySenderBecomesSystemMarker(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.pipeline.Send(context.Background(), "d-1", "", "agent-1", textMessage("hi"))
	require.NoError(t, err)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, SystemSender, f.sender.sent[0].Extension["sender"])
}

func TestSend_UnknownReceiverWritesNoRecord(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.pipeline.Send(ctx, "d-1", "", "ghost", textMessage("hi"))
	assert.ErrorIs(t, err, identity.ErrUnknownAgent)

	_, err = f.pipeline.Status(ctx, "d-1")
	assert.ErrorIs(t, err, ErrUnknownDelivery)
	assert.Equal(t, 0, f.sender.callCount())
}

func TestSend_RevokedReceiverRejected(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.registry.Revoke(ctx, "agent-1")
	require.NoError(t, err)

	_, err = f.pipeline.Send(ctx, "d-1", "", "agent-1", textMessage("hi"))
	assert.ErrorIs(t, err, identity.ErrAgentRevoked)
}

func TestSend_DuplicateReturnsExistingStatus(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	status, err := f.pipeline.Send(ctx, "d-1", "", "agent-1", textMessage("first"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)

	// Same delivery id again: no second channel send.
	status, err = f.pipeline.Send(ctx, "d-1", "", "agent-1", textMessage("second"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 1, f.sender.callCount())
}

func TestSend_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 4})
	f.sender.failures = 2
	ctx := context.Background()

	status, err := f.pipeline.Send(ctx, "d-1", "", "agent-1", textMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 3, f.sender.callCount())

	rec, err := f.pipeline.Status(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Attempts)
}

func TestSend_ExhaustionMarksFailed(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3})
	f.sender.failures = 100
	ctx := context.Background()

	status, err := f.pipeline.Send(ctx, "d-1", "", "agent-1", textMessage("hi"))
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, 3, f.sender.callCount())

	rec, err := f.pipeline.Status(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "rate limited")

	// The failed record stays; a duplicate send reports it without retrying.
	status, err = f.pipeline.Send(ctx, "d-1", "", "agent-1", textMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, 3, f.sender.callCount())
}

func TestSend_EmitsAuditEvent(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.pipeline.Send(context.Background(), "d-1", "agent-0", "agent-1", textMessage("hi"))
	require.NoError(t, err)

	select {
	case ev := <-f.auditor.events:
		assert.Equal(t, "agent-0", ev.Sender)
		assert.Equal(t, "agent-1", ev.Receiver)
		assert.Equal(t, StatusCompleted, ev.Status)
		assert.NotEmpty(t, ev.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("no audit event emitted")
	}
}

func TestStatus_Unknown(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.pipeline.Status(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownDelivery)
}

func TestSend_ConcurrentDistinctDeliveries(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.pipeline.Send(ctx, fmt.Sprintf("d-%d", i), "", "agent-1", textMessage("hi"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, n, f.sender.callCount())
}
