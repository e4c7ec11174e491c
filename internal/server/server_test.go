package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/adpilot/internal/config"
	"github.com/aristath/adpilot/internal/database"
	"github.com/aristath/adpilot/internal/di"
	"github.com/aristath/adpilot/internal/events"
)

var testLog = zerolog.Nop()

func newTestServer(t *testing.T, secret string) (*di.Container, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		DataDir:           t.TempDir(),
		ExecutionMode:     config.ModeDryRun,
		WorkerCount:       1,
		TickSchedule:      "@every 1h",
		QueueBackend:      config.QueueSQLite,
		Audit:             config.AuditStreamConfig{Codec: "json"},
		OperatorJWTSecret: secret,
		Tuning:            config.DefaultTuning(),
	}
	container, err := di.Wire(cfg, testLog)
	require.NoError(t, err)

	s := New(Config{Log: testLog, Container: container, Version: "test", DevMode: true})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		container.Close()
	})
	return container, ts
}

type envelope struct {
	Data     json.RawMessage `json:"data"`
	Metadata struct {
		Timestamp string `json:"timestamp"`
	} `json:"metadata"`
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.NotEmpty(t, env.Metadata.Timestamp)
	require.NoError(t, json.Unmarshal(env.Data, out))
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, "")

	var body map[string]interface{}
	code := getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "adpilot", body["service"])
	assert.Equal(t, "test", body["version"])
}

func TestSystemStatsAndDatabases(t *testing.T) {
	_, ts := newTestServer(t, "")

	var stats SystemStatsResponse
	code := getJSON(t, ts.URL+"/api/system/stats", &stats)
	assert.Equal(t, http.StatusOK, code)
	assert.Greater(t, stats.Goroutines, 0)
	assert.NotEmpty(t, stats.WorkTypes)

	var dbs []DatabaseStats
	code = getJSON(t, ts.URL+"/api/system/databases", &dbs)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, dbs, 2)
	assert.Equal(t, "core", dbs[0].Name)
	assert.Equal(t, "ledger", dbs[1].Name)
	require.NotNil(t, dbs[0].Stats)
	assert.Greater(t, dbs[0].Stats.PageCount, int64(0))

	resp, err := http.Post(ts.URL+"/api/system/databases/check", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/system/backups")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "backups are not configured")
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	container, ts := newTestServer(t, "s3cret")

	resp, err := http.Post(ts.URL+"/api/work/trigger", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := container.Verifier.Issue("alice", time.Minute)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/work/trigger", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// reads stay open
	resp, err = http.Get(ts.URL + "/api/pools")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func readFrame(t *testing.T, r *bufio.Reader) map[string]interface{} {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &frame))
		return frame
	}
}

func TestEventsStream_FiltersByPoolAndType(t *testing.T) {
	container, ts := newTestServer(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/events/stream?types=allocation_applied,POOL_STATUS_CHANGED&pool_id=p1", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, "connected", readFrame(t, reader)["type"])

	container.EventManager.Emit("test", &events.AllocationAppliedData{PoolID: "p2"})
	container.EventManager.Emit("test", &events.ChangeData{PoolID: "p1", Type: events.ChangeCompleted})
	container.EventManager.Emit("test", &events.AllocationAppliedData{PoolID: "p1", Reason: "tick"})

	frame := readFrame(t, reader)
	assert.Equal(t, string(events.AllocationApplied), frame["type"])
	assert.Equal(t, "test", frame["module"])
	data, ok := frame["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "p1", data["pool_id"])
}

func TestEventsStream_UnknownType(t *testing.T) {
	_, ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/api/events/stream?types=NOPE")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamAwareTimeout(t *testing.T) {
	var hadDeadline bool
	h := streamAwareTimeout(time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadDeadline = r.Context().Deadline()
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/pools", nil))
	assert.True(t, hadDeadline)

	ws := httptest.NewRequest(http.MethodGet, "/api/pools/p1/stream", nil)
	ws.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(httptest.NewRecorder(), ws)
	assert.False(t, hadDeadline)

	sse := httptest.NewRequest(http.MethodGet, "/api/events/stream", nil)
	sse.Header.Set("Accept", "text/event-stream")
	h.ServeHTTP(httptest.NewRecorder(), sse)
	assert.False(t, hadDeadline)
}

func TestDatabaseMonitor_ReportsFailures(t *testing.T) {
	db, err := database.New(database.Config{Path: t.TempDir() + "/core.db", Name: database.NameCore})
	require.NoError(t, err)

	bus := events.NewBus()
	var errorsSeen int
	bus.Subscribe(func(*events.Event) { errorsSeen++ }, events.ErrorOccurred)

	m := NewDatabaseMonitor([]*database.DB{db}, events.NewManager(bus, testLog), testLog)
	m.Check(context.Background())
	assert.Empty(t, m.Unhealthy())

	require.NoError(t, db.Close())
	m.Check(context.Background())
	m.Check(context.Background())
	assert.Equal(t, []string{"core"}, m.Unhealthy())
	assert.Equal(t, 1, errorsSeen, "only the transition is reported")

	m.Stop()
}
