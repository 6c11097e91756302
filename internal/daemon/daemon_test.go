package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/habitflow/xpengine/internal/domain"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Storage.Backend = "bolt"
	cfg.Storage.Path = t.TempDir()
	cfg.API.Port = 0
	return cfg
}

func TestDaemon_HandlerServesAPI(t *testing.T) {
	d, err := New(testContext(t), testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if _, err := d.Engine().AddXP(testContext(t), 10, domain.AddOptions{Source: domain.SourceHabit}); err != nil {
		t.Fatalf("AddXP: %v", err)
	}

	h := d.Handler()
	for _, path := range []string{"/health", "/api/xp", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestDaemon_StatePersistsAcrossRestart(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(testContext(t), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := d.Engine().AddXP(testContext(t), 42, domain.AddOptions{Source: domain.SourceJournal}); err != nil {
		t.Fatalf("AddXP: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d, err = New(testContext(t), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()
	total, err := d.Engine().TotalXP(testContext(t))
	if err != nil {
		t.Fatalf("TotalXP: %v", err)
	}
	// built-in achievement rewards land on top of the 42
	if total < 42 {
		t.Errorf("TotalXP after restart = %d, want >= 42", total)
	}
}

func TestDaemon_BadCatalogPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Achievements.Catalog = "/does/not/exist.yaml"
	if _, err := New(testContext(t), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected catalog error")
	}
}

func TestDaemon_ServeStopsOnCancel(t *testing.T) {
	d, err := New(testContext(t), testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(testContext(t))
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestDaemon_ReconcileJob(t *testing.T) {
	d, err := New(testContext(t), testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	sched, err := d.schedule()
	if err != nil || sched == nil {
		t.Fatalf("schedule = %v, %v", sched, err)
	}
	if len(sched.Entries()) != 1 {
		t.Errorf("entries = %d, want 1", len(sched.Entries()))
	}
	d.reconcileJob()
}

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
