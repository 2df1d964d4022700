//go:build integration

package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/escrowledger/internal/escrow"
	"github.com/mbd888/escrowledger/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)

	sub := &Subscription{
		ID:        "wh_pg1",
		Owner:     buyer,
		URL:       "https://hooks.example.com",
		Secret:    "s3cret",
		Events:    []escrow.EventType{escrow.EventOrderPlaced},
		Active:    true,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := s.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, "wh_pg1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Secret != "s3cret" || len(got.Events) != 1 || got.Events[0] != escrow.EventOrderPlaced {
		t.Errorf("round trip mismatch: %+v", got)
	}

	byOwner, err := s.ListByOwner(ctx, "0x00000000000000000000000000000000000000b1")
	if err != nil || len(byOwner) != 1 {
		t.Fatalf("ListByOwner = %v, %v", byOwner, err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	got.LastSuccess = &now
	got.ConsecutiveFailures = 3
	got.Active = false
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	active, err := s.ListActive(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("ListActive = %v, %v", active, err)
	}
	got, _ = s.Get(ctx, "wh_pg1")
	if got.ConsecutiveFailures != 3 || got.LastSuccess == nil || !got.LastSuccess.Equal(now) {
		t.Errorf("after update: %+v", got)
	}

	if err := s.Delete(ctx, "wh_pg1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "wh_pg1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Update(ctx, got); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: expected ErrNotFound, got %v", err)
	}
}
