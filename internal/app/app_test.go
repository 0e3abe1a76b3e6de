package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deadlinenotifier/internal/audience"
	"deadlinenotifier/internal/config"
	"deadlinenotifier/internal/eventbus"
)

const appConfig = `
logging:
  level: error
scheduler:
  enabled: false
deadlines:
  thresholds: [7, 3, 1]
  audience:
    policy: %s
dispatch:
  workers: 2
  rate_per_sec: 1000
mail:
  driver: log
ledger:
  driver: memory
source:
  driver: file
  path: %s
`

func writeApp(t *testing.T, dir, policy string) string {
	t.Helper()
	in3 := time.Now().Add(72*time.Hour - time.Hour).UTC().Format(time.RFC3339)
	catalog := fmt.Sprintf(`{"opportunities":[{"id":"o1","title":"Hack","organization":"Org","reg_last_date":%q}],
"users":[{"id":"u1","email":"a@x.com"},{"id":"u2","email":""}]}`, in3)
	cat := filepath.Join(dir, "catalog.json")
	if err := os.WriteFile(cat, []byte(catalog), 0o600); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(fmt.Sprintf(appConfig, policy, cat)), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunOnceIsIdempotent(t *testing.T) {
	p := writeApp(t, t.TempDir(), "all")
	ctx := context.Background()

	a, err := New(ctx, config.NewConfigManager(p))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop(ctx, StopRunOnce)

	rep, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Matches != 1 || rep.Sent != 1 {
		t.Fatalf("first run: %+v", rep)
	}

	rep, err = a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Sent != 0 {
		t.Fatalf("second run resent: %+v", rep)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	body := "mail:\n  driver: smtp\nsource:\n  path: " + filepath.Join(dir, "missing.json") + "\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := New(context.Background(), config.NewConfigManager(p))
	if err == nil || !strings.Contains(err.Error(), "mail.host") {
		t.Fatalf("err=%v", err)
	}
}

func TestStartAppliesReload(t *testing.T) {
	dir := t.TempDir()
	p := writeApp(t, dir, "all")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, config.NewConfigManager(p))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events, unsub := a.bus.Subscribe(16)
	defer unsub()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	writeApp(t, dir, "relevant")

	deadline := time.After(5 * time.Second)
	for reloaded := false; !reloaded; {
		select {
		case e := <-events:
			reloaded = e.Type == eventbus.ConfigReloaded
		case <-deadline:
			t.Fatal("no reload event")
		}
	}
	if got := a.fan.Audience().Policy(); got != audience.PolicyRelevant {
		t.Fatalf("audience=%q", got)
	}

	select {
	case <-a.Done():
		t.Fatalf("app stopped early: %v", a.Err())
	default:
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Err() != nil {
		t.Fatalf("Err: %v", a.Err())
	}
}
