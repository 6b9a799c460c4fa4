// ABOUTME: Tests for the audit client against an httptest server
// ABOUTME: Covers all three report types and the disabled-endpoint skip

package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubhe-im/dubhe/internal/approval"
)

func TestReportMessage(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{MessageURL: srv.URL}, srv.Client())
	ev := Event{
		MessageID: "msg-1",
		Sender:    "agent-a",
		Receiver:  "agent-b",
		RoomID:    "!r:example.com",
		Status:    "completed",
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, c.ReportMessage(context.Background(), ev))
	assert.Equal(t, "msg-1", received.MessageID)
	assert.Equal(t, "agent-b", received.Receiver)
}

func TestForwardDecision(t *testing.T) {
	var received approval.Decision
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(Config{DecisionURL: srv.URL}, srv.Client())
	d := approval.Decision{RequestID: "req-1", Approved: true, ApproverID: "boss"}
	require.NoError(t, c.ForwardDecision(context.Background(), d))
	assert.Equal(t, "req-1", received.RequestID)
	assert.True(t, received.Approved)
}

func TestPermissionInit(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{PermissionInitURL: srv.URL}, srv.Client())
	require.NoError(t, c.PermissionInit(context.Background(), "agent-1"))
	assert.Equal(t, "agent-1", received["agent_id"])
}

func TestReports_SkipWhenNotConfigured(t *testing.T) {
	// No endpoints configured: every report is a silent no-op.
	c := NewClient(Config{}, nil)
	ctx := context.Background()

	assert.NoError(t, c.ReportMessage(ctx, Event{MessageID: "msg-1"}))
	assert.NoError(t, c.ForwardDecision(ctx, approval.Decision{RequestID: "req-1"}))
	assert.NoError(t, c.PermissionInit(ctx, "agent-1"))
}

func TestReports_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{MessageURL: srv.URL}, srv.Client())
	err := c.ReportMessage(context.Background(), Event{MessageID: "msg-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
