package matrix

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func assertMode(t *testing.T, path string, want fs.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if got := info.Mode().Perm(); got != want {
		t.Fatalf("%s mode = %o, want %o", path, got, want)
	}
}

func TestCredentialCacheRoundTrip(t *testing.T) {
	cache := NewCredentialCache(filepath.Join(t.TempDir(), "creds"))

	if creds, err := cache.Load("helper"); err != nil || creds != nil {
		t.Fatalf("Load on empty cache = %+v, %v", creds, err)
	}

	want := &Credentials{
		HomeserverURL: "http://localhost:8008",
		UserID:        "@helper:example.org",
		AccessToken:   "tok",
		DeviceID:      "DEV",
	}
	if err := cache.Save("helper", want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := cache.Load("helper")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.UserID != want.UserID || got.AccessToken != want.AccessToken {
		t.Fatalf("Load = %+v", got)
	}

	if err := cache.Delete("helper"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if creds, _ := cache.Load("helper"); creds != nil {
		t.Fatal("credentials survived Delete")
	}
	// Deleting twice is fine.
	if err := cache.Delete("helper"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestCredentialFilesOwnerOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "creds")
	cache := NewCredentialCache(dir)
	if err := cache.Save("helper", &Credentials{UserID: "@helper:example.org", AccessToken: "tok"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	assertMode(t, dir, 0o700)
	assertMode(t, filepath.Join(dir, "helper.json"), 0o600)
}
