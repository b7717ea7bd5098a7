//go:build integration

package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/mzansibay/platform/internal/testutil"
)

func TestPostgres_KeyLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	mgr := NewManager(NewPostgresStore(db))

	raw, key, err := mgr.GenerateKey(ctx, "thabo", "laptop")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	got, err := mgr.ValidateKey(ctx, raw)
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if got.UserID != "thabo" || got.ID != key.ID {
		t.Errorf("validated key = %+v, want id %s for thabo", got, key.ID)
	}

	keys, err := mgr.ListKeys(ctx, "thabo")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("got %d keys, want 1", len(keys))
	}

	if err := mgr.RevokeKey(ctx, key.ID, "thabo"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, raw); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("err = %v, want ErrInvalidAPIKey after revocation", err)
	}
}

func TestPostgres_RevokeRequiresOwner(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	mgr := NewManager(NewPostgresStore(db))

	_, key, err := mgr.GenerateKey(ctx, "thabo", "laptop")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if err := mgr.RevokeKey(ctx, key.ID, "lindiwe"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound for non-owner", err)
	}
}
