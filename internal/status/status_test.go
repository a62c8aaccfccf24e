package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medremind/internal/clock"
	"medremind/internal/dispatch"
	"medremind/internal/reminder"
	"medremind/internal/store"
	logx "medremind/pkg/logx"
)

func seededStore(t *testing.T, now time.Time) *store.Memory {
	t.Helper()
	st := store.NewMemory(logx.Nop())
	ctx := context.Background()
	for i, state := range []reminder.State{reminder.StatePending, reminder.StatePending, reminder.StateFailedTerminal} {
		r := reminder.Reminder{
			ID:               string(rune('a' + i)),
			OwnerID:          "u1",
			MedicationName:   "Metformin",
			RecipientContact: "+15550100",
			NextDueAt:        now.Add(-time.Minute),
			Frequency:        reminder.MustFrequency("daily"),
			State:            state,
		}
		require.NoError(t, st.Create(ctx, r))
	}
	return st
}

func TestTrackerObservesCycles(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	tr := NewTracker("w1", seededStore(t, now), clk)

	tr.ObserveCycle(dispatch.Report{Started: now, Finished: now.Add(time.Second), Selected: 2, Sent: 2})
	s := tr.Snapshot()
	assert.True(t, s.LastPollOK)
	assert.Equal(t, 2, s.LastCycle.Sent)
	assert.Equal(t, time.Second, s.LastCycle.Took)

	tr.ObserveCycle(dispatch.Report{Started: now.Add(time.Minute), Err: reminder.Unavailable(errors.New("down"))})
	tr.ObserveCycle(dispatch.Report{Started: now.Add(2 * time.Minute), Err: reminder.Unavailable(errors.New("down"))})
	s = tr.Snapshot()
	assert.False(t, s.LastPollOK)
	assert.Equal(t, 2, s.ConsecutiveFailures)
	assert.Contains(t, s.LastError, "unavailable")

	require.NoError(t, tr.Refresh(context.Background()))
	s = tr.Snapshot()
	assert.Equal(t, 2, s.Backlog)
	assert.Equal(t, 1, s.FailedTerminal)
}

func TestSnapshotHealthy(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		snap Snapshot
		want bool
	}{
		{"fresh start", Snapshot{StartedAt: now.Add(-time.Minute)}, true},
		{"never polled", Snapshot{StartedAt: now.Add(-time.Hour)}, false},
		{"recent ok", Snapshot{LastPollAt: now.Add(-time.Minute), LastPollOK: true}, true},
		{"recent failure", Snapshot{LastPollAt: now.Add(-time.Minute)}, false},
		{"stale ok", Snapshot{LastPollAt: now.Add(-time.Hour), LastPollOK: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.snap.Healthy(now, 5*time.Minute))
		})
	}
}

func TestServerHandler(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	tr := NewTracker("w1", seededStore(t, now), clock.NewFake(now))
	s := NewServer(ServerConfig{}, tr, logx.Nop())
	srv := httptest.NewServer(s.Handler(ServerConfig{Token: "s3cret", MaxStale: time.Minute}))
	defer srv.Close()

	get := func(path, auth string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		if auth != "" {
			req.Header.Set("Authorization", "Bearer "+auth)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, get("/status", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get("/status", "wrong").StatusCode)
	assert.Equal(t, http.StatusOK, get("/healthz", "s3cret").StatusCode)
	assert.Equal(t, http.StatusOK, get("/healthz?token=s3cret", "").StatusCode)

	tr.ObserveCycle(dispatch.Report{Started: now, Err: errors.New("boom")})
	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz", "s3cret").StatusCode)

	resp := get("/status?refresh=1", "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "w1", snap.Worker)
	assert.Equal(t, 2, snap.Backlog)
	assert.Equal(t, 1, snap.FailedTerminal)
	assert.Equal(t, "boom", snap.LastError)

	assert.Equal(t, http.StatusNotFound, get("/debug/pprof/", "s3cret").StatusCode)
}

func TestServerLifecycle(t *testing.T) {
	tr := NewTracker("w1", nil, clock.NewFake(time.Now()))
	s := NewServer(ServerConfig{}, tr, logx.Nop())
	ctx := context.Background()

	s.Reconfigure(ctx, ServerConfig{Enabled: true, Addr: "127.0.0.1:0"})
	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		addr = s.Addr()
	}
	require.NotEmpty(t, addr, "server did not start")

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, ServerConfig{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:8089"))
	assert.True(t, isLoopbackAddr("localhost:8089"))
	assert.True(t, isLoopbackAddr("[::1]:8089"))
	assert.False(t, isLoopbackAddr(":8089"))
	assert.False(t, isLoopbackAddr("0.0.0.0:8089"))
}

func TestPublisherWritesSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(RedisConfig{Addr: mr.Addr()})
	defer client.Close()

	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	tr := NewTracker("w1", seededStore(t, now), clock.NewFake(now))
	tr.ObserveCycle(dispatch.Report{Started: now, Finished: now, Sent: 3})

	p := NewPublisher(RedisConfig{Interval: 10 * time.Second}, client, tr, logx.Nop())
	require.NoError(t, p.PublishOnce(context.Background()))

	raw, err := mr.Get("medremind:status:w1")
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	assert.Equal(t, 3, snap.LastCycle.Sent)
	assert.Equal(t, 2, snap.Backlog)
	assert.Equal(t, 30*time.Second, mr.TTL("medremind:status:w1"))
}
