package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		var req CreateSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "agent-1", req.AgentID)

		json.NewEncoder(w).Encode(CreateSessionResponse{
			SessionID: "s1", Role: "leader", SessionTimeoutSeconds: 30, ViewIDs: []string{"v1"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	resp, err := c.CreateSession(context.Background(), CreateSessionRequest{AgentID: "agent-1", TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", resp.SessionID)
	assert.EqualValues(t, "leader", resp.Role)
}

func TestHeartbeat419MapsToSessionObsolete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(StatusSessionObsolete)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Heartbeat(context.Background(), "stale-session", HeartbeatRequest{})
	assert.ErrorIs(t, err, ErrSessionObsolete)
}

func TestCloseSession404IsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.CloseSession(context.Background(), "already-gone")
	assert.NoError(t, err)
}

func TestAgentStatusFieldReadsPermissively(t *testing.T) {
	raw := json.RawMessage(`{"hostname":"agent-7","load":{"1m":0.5}}`)
	assert.Equal(t, "agent-7", AgentStatusField(raw, "hostname").String())
	assert.Equal(t, 0.5, AgentStatusField(raw, "load.1m").Float())
	assert.False(t, AgentStatusField(raw, "missing_field").Exists())
}
