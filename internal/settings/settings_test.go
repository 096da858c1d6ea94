package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stamns/flow2api/internal/config"
)

type memStore struct {
	rows map[string]string
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]string)}
}

func (m *memStore) ListSettings(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(m.rows))
	for k, v := range m.rows {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) SetSetting(ctx context.Context, key, value string) error {
	m.rows[key] = value
	return nil
}

func (m *memStore) DeleteSetting(ctx context.Context, key string) error {
	delete(m.rows, key)
	return nil
}

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Generation.ErrorBanThreshold = 3
	cfg.Generation.ImageTimeout = 300 * time.Second
	cfg.Generation.VideoTimeout = 1500 * time.Second
	cfg.Generation.PollInterval = 3 * time.Second
	cfg.Generation.MaxPollAttempts = 200
	cfg.Cache.Enabled = true
	cfg.Cache.TTL = 7200 * time.Second
	return cfg
}

func TestDatabaseOverrideWins(t *testing.T) {
	st := newMemStore()
	st.rows[string(KeyErrorBanThreshold)] = "5"
	st.rows[string(KeyPollInterval)] = "10s"

	mgr := NewManager(baseConfig(), st, nil)
	if err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	snap := mgr.Current()
	if snap.ErrorBanThreshold != 5 {
		t.Fatalf("expected threshold 5, got %d", snap.ErrorBanThreshold)
	}
	if snap.PollInterval != 10*time.Second {
		t.Fatalf("expected poll interval 10s, got %s", snap.PollInterval)
	}
	if snap.ImageTimeout != 300*time.Second {
		t.Fatalf("expected base image timeout to survive, got %s", snap.ImageTimeout)
	}
}

func TestEnvLockBeatsDatabase(t *testing.T) {
	t.Setenv(EnvVar(KeyErrorBanThreshold), "9")

	st := newMemStore()
	st.rows[string(KeyErrorBanThreshold)] = "5"

	mgr := NewManager(baseConfig(), st, nil)
	if err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	// The base snapshot already carries the env value via viper; the lock
	// must keep the database row from shadowing it.
	if got := mgr.Current().ErrorBanThreshold; got != 3 {
		t.Fatalf("locked key took database override, got %d", got)
	}

	if err := mgr.Update(context.Background(), KeyErrorBanThreshold, "7"); err == nil {
		t.Fatal("expected update of locked key to be refused")
	}
}

func TestUpdateValidatesAndPersists(t *testing.T) {
	st := newMemStore()
	mgr := NewManager(baseConfig(), st, nil)

	if err := mgr.Update(context.Background(), KeyMaxPollAttempts, "not-a-number"); err == nil {
		t.Fatal("expected invalid int to be rejected")
	}
	if err := mgr.Update(context.Background(), KeyImageTimeout, "-5s"); err == nil {
		t.Fatal("expected negative duration to be rejected")
	}
	if err := mgr.Update(context.Background(), Key("nope"), "1"); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}

	if err := mgr.Update(context.Background(), KeyMaxPollAttempts, "50"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.rows[string(KeyMaxPollAttempts)] != "50" {
		t.Fatal("override was not persisted")
	}
	if got := mgr.Current().MaxPollAttempts; got != 50 {
		t.Fatalf("expected 50 attempts, got %d", got)
	}

	if err := mgr.Reset(context.Background(), KeyMaxPollAttempts); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := mgr.Current().MaxPollAttempts; got != 200 {
		t.Fatalf("expected base value after reset, got %d", got)
	}
}

func TestLoadDropsInvalidRows(t *testing.T) {
	st := newMemStore()
	st.rows[string(KeyCacheTTL)] = "garbage"
	st.rows["some.unknown"] = "1"

	mgr := NewManager(baseConfig(), st, nil)
	if err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := mgr.Current().CacheTTL; got != 7200*time.Second {
		t.Fatalf("invalid row should fall back to base, got %s", got)
	}
}

func TestSeedOnlyWhenEmpty(t *testing.T) {
	st := newMemStore()
	mgr := NewManager(baseConfig(), st, nil)

	if err := mgr.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(st.rows) == 0 {
		t.Fatal("expected seeded rows")
	}
	if st.rows[string(KeyPollInterval)] != "3s" {
		t.Fatalf("unexpected seeded poll interval %q", st.rows[string(KeyPollInterval)])
	}

	st.rows = map[string]string{string(KeyPollInterval): "9s"}
	if err := mgr.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(st.rows) != 1 {
		t.Fatal("seed must not touch a populated table")
	}
}
