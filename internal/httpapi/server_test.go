// ABOUTME: End-to-end HTTP API tests over the full in-memory wiring
// ABOUTME: Fake channel sender and provisioner; everything else is real

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubhe-im/dubhe/internal/approval"
	"github.com/dubhe-im/dubhe/internal/auth"
	"github.com/dubhe-im/dubhe/internal/config"
	"github.com/dubhe-im/dubhe/internal/delivery"
	"github.com/dubhe-im/dubhe/internal/identity"
	"github.com/dubhe-im/dubhe/internal/rooms"
	"github.com/dubhe-im/dubhe/internal/storage"
	"github.com/dubhe-im/dubhe/internal/translate"
)

type fakeChannel struct {
	rooms atomic.Int64
	sends atomic.Int64
	fail  atomic.Bool
}

func (f *fakeChannel) CreateRoom(context.Context, string, string) (string, error) {
	return fmt.Sprintf("!room-%d:example.com", f.rooms.Add(1)), nil
}

func (f *fakeChannel) Send(context.Context, string, translate.ChannelMessage) (string, error) {
	if f.fail.Load() {
		return "", errors.New("homeserver down")
	}
	return fmt.Sprintf("$event-%d", f.sends.Add(1)), nil
}

type apiFixture struct {
	handler  http.Handler
	registry *identity.Registry
	channel  *fakeChannel
	verifier *auth.JWTVerifier
	token    string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	backend := storage.NewMemoryBackend()
	registry := identity.NewRegistry(backend, nil, nil)
	channel := &fakeChannel{}
	manager := rooms.NewManager(backend, channel, registry, config.RoomPolicyDedicated)
	pipeline := delivery.NewPipeline(backend, registry, manager, translate.New(registry),
		channel, nil, delivery.Options{MaxAttempts: 2, RetryBase: time.Millisecond})
	approvals := approval.NewCoordinator(backend, nil)

	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	token, err := verifier.Generate("ops-test", time.Hour)
	require.NoError(t, err)

	srv := NewServer(Config{Homeserver: "https://matrix.example.com", APIBase: "https://hub.example.com"},
		registry, pipeline, approvals, verifier, nil)

	return &apiFixture{
		handler:  srv.Handler(),
		registry: registry,
		channel:  channel,
		verifier: verifier,
		token:    token,
	}
}

// do runs a request and decodes the JSON response into out (if non-nil).
func (f *apiFixture) do(t *testing.T, method, path string, body any, token string, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func (f *apiFixture) registerAgent(t *testing.T, agentID string) {
	t.Helper()
	code := f.do(t, http.MethodPost, "/api/v1/agents/register",
		RegisterAgentRequest{AgentID: agentID}, f.token, nil)
	require.Equal(t, http.StatusCreated, code)
}

func TestDiscovery(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/.well-known/dubhe-matrix", "/api/v1/discovery"} {
		var payload map[string]string
		code := f.do(t, http.MethodGet, path, nil, "", &payload)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "https://matrix.example.com", payload["matrix_homeserver"])
		assert.Equal(t, "https://hub.example.com", payload["api_base"])
		assert.Equal(t, Version, payload["version"])
	}
}

func TestHealthAndReady(t *testing.T) {
	f := newAPIFixture(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil, "", &health))
	assert.Equal(t, "ok", health["status"])

	var ready map[string]string
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/ready", nil, "", &ready))
	assert.Equal(t, "ready", ready["status"])
}

func TestReady_FailingProbe(t *testing.T) {
	backend := storage.NewMemoryBackend()
	registry := identity.NewRegistry(backend, nil, nil)
	srv := NewServer(Config{}, registry, nil, nil, nil, func(context.Context) error {
		return errors.New("matrix unreachable")
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	f := newAPIFixture(t)

	code := f.do(t, http.MethodPost, "/api/v1/agents/register",
		RegisterAgentRequest{AgentID: "agent-1"}, "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code = f.do(t, http.MethodPost, "/api/v1/owners/register",
		RegisterOwnerRequest{OwnerID: "owner-1"}, "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRegisterAndBindFlow(t *testing.T) {
	f := newAPIFixture(t)

	code := f.do(t, http.MethodPost, "/api/v1/owners/register",
		RegisterOwnerRequest{OwnerID: "owner-1", Metadata: map[string]any{"name": "acme"}}, f.token, nil)
	require.Equal(t, http.StatusOK, code)

	// Idempotent repeat.
	code = f.do(t, http.MethodPost, "/api/v1/owners/register",
		RegisterOwnerRequest{OwnerID: "owner-1", Metadata: map[string]any{"name": "acme"}}, f.token, nil)
	assert.Equal(t, http.StatusOK, code)

	// Conflicting metadata.
	code = f.do(t, http.MethodPost, "/api/v1/owners/register",
		RegisterOwnerRequest{OwnerID: "owner-1", Metadata: map[string]any{"name": "other"}}, f.token, nil)
	assert.Equal(t, http.StatusConflict, code)

	f.registerAgent(t, "agent-1")

	// Duplicate agent registration conflicts.
	code = f.do(t, http.MethodPost, "/api/v1/agents/register",
		RegisterAgentRequest{AgentID: "agent-1"}, f.token, nil)
	assert.Equal(t, http.StatusConflict, code)

	var binding identity.Binding
	code = f.do(t, http.MethodPost, "/api/v1/agents/agent-1/bind",
		BindRequest{OwnerID: "owner-1"}, f.token, &binding)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "owner-1", binding.OwnerID)

	// Binding to an unknown owner is a 404.
	code = f.do(t, http.MethodPost, "/api/v1/agents/agent-1/bind",
		BindRequest{OwnerID: "ghost"}, f.token, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code = f.do(t, http.MethodPost, "/api/v1/agents/agent-1/unbind", nil, f.token, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestSubAgentAndRelationships(t *testing.T) {
	f := newAPIFixture(t)
	f.registerAgent(t, "parent")
	f.registerAgent(t, "child")

	code := f.do(t, http.MethodPost, "/api/v1/agents/parent/sub-agents",
		SubAgentRequest{ChildAgentID: "child"}, f.token, nil)
	require.Equal(t, http.StatusOK, code)

	// Cycle rejection surfaces as a conflict.
	code = f.do(t, http.MethodPost, "/api/v1/agents/child/sub-agents",
		SubAgentRequest{ChildAgentID: "parent"}, f.token, nil)
	assert.Equal(t, http.StatusConflict, code)

	var rel identity.Relationships
	code = f.do(t, http.MethodGet, "/api/v1/agents/parent/relationships", nil, "", &rel)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"child"}, rel.Children)

	var all struct {
		Relationships []identity.Relationships `json:"relationships"`
	}
	code = f.do(t, http.MethodGet, "/api/v1/relationships", nil, "", &all)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, all.Relationships, 2)
}

func TestSend(t *testing.T) {
	f := newAPIFixture(t)
	f.registerAgent(t, "agent-1")

	var resp SendResponse
	code := f.do(t, http.MethodPost, "/api/v1/agent/send", SendRequest{
		DeliveryID:      "d-1",
		SenderAgentID:   "",
		ReceiverAgentID: "agent-1",
		Content:         translate.NativeMessage{MsgType: "text", Text: "hello"},
	}, "", &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, delivery.StatusCompleted, resp.Status)

	// Duplicate send: same status, no second channel call.
	code = f.do(t, http.MethodPost, "/api/v1/agent/send", SendRequest{
		DeliveryID:      "d-1",
		ReceiverAgentID: "agent-1",
		Content:         translate.NativeMessage{MsgType: "text", Text: "hello again"},
	}, "", &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, delivery.StatusCompleted, resp.Status)
	assert.Equal(t, int64(1), f.channel.sends.Load())

	var rec delivery.Record
	code = f.do(t, http.MethodGet, "/api/v1/deliveries/d-1", nil, "", &rec)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, delivery.StatusCompleted, rec.Status)

	code = f.do(t, http.MethodGet, "/api/v1/deliveries/ghost", nil, "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSend_UnknownReceiver(t *testing.T) {
	f := newAPIFixture(t)

	code := f.do(t, http.MethodPost, "/api/v1/agent/send", SendRequest{
		ReceiverAgentID: "ghost",
		Content:         translate.NativeMessage{MsgType: "text", Text: "hi"},
	}, "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSend_ChannelFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.registerAgent(t, "agent-1")
	f.channel.fail.Store(true)

	code := f.do(t, http.MethodPost, "/api/v1/agent/send", SendRequest{
		DeliveryID:      "d-1",
		ReceiverAgentID: "agent-1",
		Content:         translate.NativeMessage{MsgType: "text", Text: "hi"},
	}, "", nil)
	assert.Equal(t, http.StatusBadGateway, code)
}

func TestApprovalFlow(t *testing.T) {
	f := newAPIFixture(t)

	code := f.do(t, http.MethodPost, "/api/v1/approvals",
		CreateApprovalRequest{RequestID: "req-1", Payload: map[string]any{"action": "deploy"}}, "", nil)
	require.Equal(t, http.StatusCreated, code)

	// Pending before any callback.
	var result approval.Result
	code = f.do(t, http.MethodGet, "/api/v1/approvals/req-1", nil, "", &result)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, approval.StatusPending, result.Status)

	var cb ApprovalCallbackResponse
	code = f.do(t, http.MethodPost, "/api/v1/approvals/req-1/callback",
		ApprovalCallbackRequest{Approved: true, ApproverID: "boss"}, "", &cb)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, cb.Idempotent)
	assert.True(t, cb.Decision.Approved)

	// A contradictory repeat returns the stored decision.
	code = f.do(t, http.MethodPost, "/api/v1/approvals/req-1/callback",
		ApprovalCallbackRequest{Approved: false, ApproverID: "late"}, "", &cb)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, cb.Idempotent)
	assert.True(t, cb.Decision.Approved)
	assert.Equal(t, "boss", cb.Decision.ApproverID)

	// Callback for an unknown request is a 404.
	code = f.do(t, http.MethodPost, "/api/v1/approvals/ghost/callback",
		ApprovalCallbackRequest{Approved: true, ApproverID: "boss"}, "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestOwnerHistoryEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.registerAgent(t, "agent-1")

	for _, owner := range []string{"owner-1", "owner-2"} {
		code := f.do(t, http.MethodPost, "/api/v1/owners/register",
			RegisterOwnerRequest{OwnerID: owner}, f.token, nil)
		require.Equal(t, http.StatusOK, code)
		code = f.do(t, http.MethodPost, "/api/v1/agents/agent-1/bind",
			BindRequest{OwnerID: owner}, f.token, nil)
		require.Equal(t, http.StatusOK, code)
	}

	var resp struct {
		AgentID string                 `json:"agent_id"`
		History []identity.OwnerChange `json:"history"`
	}
	code := f.do(t, http.MethodGet, "/api/v1/agents/agent-1/owner-history?limit=5", nil, "", &resp)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.History, 1)
	assert.Equal(t, "owner-1", resp.History[0].OwnerID)

	code = f.do(t, http.MethodGet, "/api/v1/agents/ghost/owner-history", nil, "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMapPrincipal(t *testing.T) {
	f := newAPIFixture(t)

	code := f.do(t, http.MethodPost, "/api/v1/principals",
		PrincipalMapRequest{NativeRef: "ou_alice", ChannelRef: "@alice:example.com"}, f.token, nil)
	require.Equal(t, http.StatusOK, code)

	ref, ok := f.registry.ChannelRef(context.Background(), "ou_alice")
	require.True(t, ok)
	assert.Equal(t, "@alice:example.com", ref)

	// Admin-only.
	code = f.do(t, http.MethodPost, "/api/v1/principals",
		PrincipalMapRequest{NativeRef: "ou_bob", ChannelRef: "@bob:example.com"}, "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	// Both refs required.
	code = f.do(t, http.MethodPost, "/api/v1/principals",
		PrincipalMapRequest{NativeRef: "ou_bob"}, f.token, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBadRequestBodies(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/send", bytes.NewBufferString("{broken"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	code := f.do(t, http.MethodPost, "/api/v1/agent/send", SendRequest{}, "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = f.do(t, http.MethodPost, "/api/v1/approvals", CreateApprovalRequest{}, "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}
