package persist

import (
	"os"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestTokenStoreRoundTrip(t *testing.T) {
	store, err := NewTokenStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new token store: %v", err)
	}
	if _, ok, err := store.Load("viya"); err != nil || ok {
		t.Fatalf("expected no token, got ok=%v err=%v", ok, err)
	}
	expiry := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tok := oauth2.Token{AccessToken: "access", RefreshToken: "refresh", TokenType: "bearer", Expiry: expiry}
	if err := store.Save("viya", tok); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(store.path("viya"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 token file, got %v", info.Mode().Perm())
	}
	got, ok, err := store.Load("viya")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.AccessToken != "access" || got.RefreshToken != "refresh" || !got.Expiry.Equal(expiry) {
		t.Fatalf("unexpected token %+v", got)
	}
	if err := store.Delete("viya"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete("viya"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, ok, _ := store.Load("viya"); ok {
		t.Fatalf("expected token to be gone")
	}
}
