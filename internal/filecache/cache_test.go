package filecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stamns/flow2api/internal/config"
	"github.com/stamns/flow2api/internal/models"
	"github.com/stamns/flow2api/internal/settings"
	"github.com/stamns/flow2api/internal/storage/blob"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()

	store, err := blob.New(context.Background(), config.StorageConfig{
		Backend: "local",
		Local:   config.StorageLocal{Directory: dir},
	})
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}

	cfg := &config.Config{}
	cfg.Cache.Enabled = true
	cfg.Cache.TTL = ttl
	cfg.Cache.BaseURL = "http://gateway.local"
	mgr := settings.NewManager(cfg, nil, nil)

	return New(store, mgr, nil), dir
}

func TestKeyIsStablePerURL(t *testing.T) {
	a := Key("https://cdn.example/one.bin", models.MediaVideo)
	b := Key("https://cdn.example/one.bin", models.MediaVideo)
	c := Key("https://cdn.example/two.bin", models.MediaVideo)

	if a != b {
		t.Fatal("same url must produce the same key")
	}
	if a == c {
		t.Fatal("different urls must not collide")
	}
	if filepath.Ext(a) != ".mp4" {
		t.Fatalf("video key should end in .mp4, got %q", a)
	}
	if filepath.Ext(Key("u", models.MediaImage)) != ".jpg" {
		t.Fatal("image key should end in .jpg")
	}
}

func TestMirrorDownloadsOnceAndBuildsURL(t *testing.T) {
	downloads := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads++
		w.Write([]byte("media-bytes"))
	}))
	defer srv.Close()

	cache, _ := newTestCache(t, time.Hour)
	ctx := context.Background()

	urls, err := cache.Mirror(ctx, []string{srv.URL + "/v.bin"}, models.MediaVideo)
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	want := "http://gateway.local/files/" + Key(srv.URL+"/v.bin", models.MediaVideo)
	if len(urls) != 1 || urls[0] != want {
		t.Fatalf("unexpected urls %v, want %s", urls, want)
	}

	// Second mirror hits the existence check, not the network.
	if _, err := cache.Mirror(ctx, []string{srv.URL + "/v.bin"}, models.MediaVideo); err != nil {
		t.Fatalf("second mirror: %v", err)
	}
	if downloads != 1 {
		t.Fatalf("expected 1 download, got %d", downloads)
	}
}

func TestMirrorFailureAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	cache, _ := newTestCache(t, time.Hour)
	if _, err := cache.Mirror(context.Background(), []string{srv.URL + "/x.bin"}, models.MediaImage); err == nil {
		t.Fatal("expected mirror failure")
	}
}

func TestPurgeRemovesExpiredOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	cache, dir := newTestCache(t, time.Hour)
	ctx := context.Background()

	if _, err := cache.Mirror(ctx, []string{srv.URL + "/old.bin", srv.URL + "/new.bin"}, models.MediaImage); err != nil {
		t.Fatalf("mirror: %v", err)
	}

	oldKey := Key(srv.URL+"/old.bin", models.MediaImage)
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, oldKey), stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	purged, err := cache.Purge(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	if _, err := os.Stat(filepath.Join(dir, oldKey)); !os.IsNotExist(err) {
		t.Fatal("expired object still present")
	}
}

func TestPurgeAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	cache, _ := newTestCache(t, time.Hour)
	ctx := context.Background()

	cache.Mirror(ctx, []string{srv.URL + "/a.bin", srv.URL + "/b.bin"}, models.MediaVideo)

	purged, err := cache.PurgeAll(ctx)
	if err != nil {
		t.Fatalf("purge all: %v", err)
	}
	if purged != 2 {
		t.Fatalf("expected 2 purged, got %d", purged)
	}
}
