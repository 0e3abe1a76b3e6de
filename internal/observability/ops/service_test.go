package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"deadlinenotifier/internal/deadline"
	"deadlinenotifier/internal/fanout"
	"deadlinenotifier/internal/ledger"
	"deadlinenotifier/internal/scheduler"
	logx "deadlinenotifier/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrigger struct {
	runs    atomic.Int32
	err     error
	running bool
}

func (f *fakeTrigger) RunNow(context.Context) error {
	f.runs.Add(1)
	return f.err
}
func (f *fakeTrigger) Running() bool   { return f.running }
func (f *fakeTrigger) Next() time.Time { return time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC) }
func (f *fakeTrigger) History() []scheduler.Record {
	return []scheduler.Record{{Trigger: "schedule", Started: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}}
}

type fakeReports struct{ rep *fanout.Report }

func (f fakeReports) LastReport() (fanout.Report, bool) {
	if f.rep == nil {
		return fanout.Report{}, false
	}
	return *f.rep, true
}

func newHandler(t *testing.T, cfg Config, d Deps) http.Handler {
	t.Helper()
	return New(cfg, d, logx.Nop()).Handler(cfg)
}

func do(h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, http.NoBody)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsOpen(t *testing.T) {
	h := newHandler(t, Config{Token: "s3cret"}, Deps{})
	rec := do(h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAuth(t *testing.T) {
	h := newHandler(t, Config{Token: "s3cret"}, Deps{Trigger: &fakeTrigger{}})

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/runs", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/runs?token=nope", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/runs", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/runs?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/runs", map[string]string{"Authorization": "Bearer s3cret"}).Code)
}

func TestRunsReportsHistoryAndLast(t *testing.T) {
	rep := &fanout.Report{RunID: "r-1", Sent: 4, Failed: 1}
	h := newHandler(t, Config{}, Deps{Trigger: &fakeTrigger{running: true}, Reports: fakeReports{rep: rep}})

	rec := do(h, http.MethodGet, "/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got runsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Running)
	require.NotNil(t, got.Next)
	assert.Len(t, got.History, 1)
	require.NotNil(t, got.Last)
	assert.Equal(t, "r-1", got.Last.RunID)
	assert.Equal(t, 4, got.Last.Sent)
}

func TestTrigger(t *testing.T) {
	tr := &fakeTrigger{}
	h := newHandler(t, Config{}, Deps{Trigger: tr, Reports: fakeReports{rep: &fanout.Report{RunID: "r-2"}}})

	rec := do(h, http.MethodPost, "/runs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, tr.runs.Load())
	assert.Contains(t, rec.Body.String(), "r-2")

	tr.err = scheduler.ErrRunInFlight
	rec = do(h, http.MethodPost, "/runs", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	tr.err = deadline.TransientIO(errors.New("db down"))
	rec = do(h, http.MethodPost, "/runs", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestFailedKeys(t *testing.T) {
	led := ledger.NewMemory()
	ctx := context.Background()
	k := deadline.Key{OpportunityID: "o1", UserID: "u1", Threshold: 3}
	require.NoError(t, led.MarkFailed(ctx, k, "smtp: timeout"))
	require.NoError(t, led.MarkFailed(ctx, deadline.Key{OpportunityID: "o1", UserID: "u2", Threshold: 3}, "x"))
	ok, err := led.TryMarkSent(ctx, deadline.Key{OpportunityID: "o1", UserID: "u2", Threshold: 3})
	require.NoError(t, err)
	require.True(t, ok)

	h := newHandler(t, Config{}, Deps{Ledger: led})
	rec := do(h, http.MethodGet, "/ledger/failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []ledger.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, k, got[0].Key)
	assert.Equal(t, "smtp: timeout", got[0].LastError)
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	off := newHandler(t, Config{}, Deps{})
	assert.Equal(t, http.StatusNotFound, do(off, http.MethodGet, "/debug/pprof/", nil).Code)

	on := newHandler(t, Config{Pprof: true}, Deps{})
	assert.Equal(t, http.StatusOK, do(on, http.MethodGet, "/debug/pprof/", nil).Code)
}

func TestServerLifecycle(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
	assert.Nil(t, s.Supervisor())
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:80":    false,
		"garbage":        false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
