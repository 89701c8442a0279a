package dashboard

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lecca.io/scout-watchtower/internal/config"
	"lecca.io/scout-watchtower/internal/processor"
	"lecca.io/scout-watchtower/internal/substrate"
)

type staticNodes []*substrate.Node

func (s staticNodes) GetNodes() []*substrate.Node { return s }

func newTestServer(t *testing.T) (*Server, *processor.Status) {
	status := processor.NewStatus()
	nodes := staticNodes{{
		Endpoint: substrate.Endpoint{Label: "local", URL: "ws://127.0.0.1:9944"},
		Status: substrate.NodeStatus{
			Healthy:     false,
			BlockHeight: 42,
			Peers:       3,
			LastError:   errors.New("connection refused"),
			LastCheck:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}}
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_last_block"})
	g.Set(7)
	reg.MustRegister(g)

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	return NewServer(cfg, status, nodes, reg), status
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealthBeforeAndAfterFirstBlock(t *testing.T) {
	s, status := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	code, _ := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	status.Publish(processor.Snapshot{Block: 10})
	code, body := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)
}

func TestStateIncludesSnapshotAndNodes(t *testing.T) {
	s, status := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	status.Publish(processor.Snapshot{
		Network: substrate.Network{Name: "Kusama"},
		Block:   1234,
		Session: 9,
		Validators: []processor.ValidatorState{
			{Stash: "stash-1", Name: "alice", IsActive: true, AuthoredCurrent: 3},
		},
	})

	code, body := get(t, srv, "/api/state")
	require.Equal(t, http.StatusOK, code)

	var state stateDTO
	require.NoError(t, json.Unmarshal([]byte(body), &state))
	assert.True(t, state.Ready)
	require.NotNil(t, state.State)
	assert.Equal(t, uint64(1234), state.State.Block)
	assert.Equal(t, "Kusama", state.State.Network.Name)
	require.Len(t, state.State.Validators, 1)
	assert.Equal(t, uint32(3), state.State.Validators[0].AuthoredCurrent)

	require.Len(t, state.Nodes, 1)
	assert.Equal(t, "local", state.Nodes[0].Label)
	assert.Equal(t, uint64(42), state.Nodes[0].BlockHeight)
	assert.Equal(t, "connection refused", state.Nodes[0].LastError)
	assert.Equal(t, "2026-01-02T03:04:05Z", state.Nodes[0].LastCheck)
}

func TestStateBeforeInit(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	_, body := get(t, srv, "/api/state")
	assert.Contains(t, body, `"ready":false`)
	assert.NotContains(t, body, `"state"`)
}

func TestMetricsUsesGivenGatherer(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	code, body := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "test_last_block 7")
}

func TestWebsocketSendsStateAndBroadcasts(t *testing.T) {
	s, status := newTestServer(t)
	status.Publish(processor.Snapshot{Block: 5})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first stateDTO
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "state", first.Type)
	require.NotNil(t, first.State)
	assert.Equal(t, uint64(5), first.State.Block)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.clients) == 1
	}, 5*time.Second, 10*time.Millisecond)

	s.broadcast([]byte(`{"type":"log","message":"hello"}`))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"log","message":"hello"}`, string(msg))
}
