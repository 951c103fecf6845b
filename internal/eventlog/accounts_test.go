package eventlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/crewline/crewd/internal/eventlog"
)

func TestStore_AccountRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	rec := eventlog.AccountRecord{
		AccountID:   "anthropic-primary",
		Provider:    "anthropic",
		VaultRef:    "vault://crewd/anthropic/primary",
		IsAvailable: true,
	}
	if err := store.SaveAccount(ctx, rec); err != nil {
		t.Fatalf("save account: %v", err)
	}

	got, err := store.GetAccount(ctx, "anthropic-primary")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.Provider != "anthropic" || got.VaultRef != "vault://crewd/anthropic/primary" {
		t.Fatalf("unexpected account: %+v", got)
	}
	if !got.IsAvailable {
		t.Fatal("expected account available")
	}
	if got.TotalRequests != 0 {
		t.Fatalf("expected zero usage, got %d", got.TotalRequests)
	}
}

func TestStore_SaveAccountPreservesUsageOnConflict(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	rec := eventlog.AccountRecord{AccountID: "a-1", Provider: "openai", VaultRef: "vault://crewd/openai/a1", IsAvailable: true}
	if err := store.SaveAccount(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.RecordAccountUsage(ctx, "a-1", 1, 2500); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	// Re-save with a rotated vault ref; counters must survive.
	rec.VaultRef = "vault://crewd/openai/a1-rotated"
	if err := store.SaveAccount(ctx, rec); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	got, err := store.GetAccount(ctx, "a-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.VaultRef != "vault://crewd/openai/a1-rotated" {
		t.Fatalf("expected rotated vault_ref, got %q", got.VaultRef)
	}
	if got.TotalRequests != 1 || got.TPMUsed != 2500 {
		t.Fatalf("usage counters lost: %+v", got)
	}
	if got.LastUsed == nil {
		t.Fatal("expected last_used to be set")
	}
}

func TestStore_RecordAccountUsageUnknownAccount(t *testing.T) {
	store, _ := openTestStore(t)
	err := store.RecordAccountUsage(context.Background(), "ghost", 1, 100)
	if err != eventlog.ErrAccountNotFound {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestStore_BlockAndUnblockExpiredAccounts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a-1", "a-2"} {
		rec := eventlog.AccountRecord{AccountID: id, Provider: "anthropic", VaultRef: "vault://crewd/" + id, IsAvailable: true}
		if err := store.SaveAccount(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	now := time.Now().UTC()
	if err := store.BlockAccount(ctx, "a-1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("block a-1: %v", err)
	}
	if err := store.BlockAccount(ctx, "a-2", now.Add(time.Hour)); err != nil {
		t.Fatalf("block a-2: %v", err)
	}

	blocked, err := store.GetAccount(ctx, "a-1")
	if err != nil {
		t.Fatalf("get a-1: %v", err)
	}
	if blocked.IsAvailable || blocked.BlockedUntil == nil {
		t.Fatalf("expected a-1 blocked, got %+v", blocked)
	}

	n, err := store.UnblockExpiredAccounts(ctx, now)
	if err != nil {
		t.Fatalf("unblock expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 account unblocked, got %d", n)
	}

	a1, _ := store.GetAccount(ctx, "a-1")
	if !a1.IsAvailable || a1.BlockedUntil != nil {
		t.Fatalf("expected a-1 available again, got %+v", a1)
	}
	a2, _ := store.GetAccount(ctx, "a-2")
	if a2.IsAvailable {
		t.Fatal("a-2 block has not lapsed, must stay unavailable")
	}
}

func TestStore_ListAccountsOrdered(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b-2", "a-1", "c-3"} {
		rec := eventlog.AccountRecord{AccountID: id, Provider: "openai", VaultRef: "vault://crewd/" + id, IsAvailable: true}
		if err := store.SaveAccount(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(accounts) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(accounts))
	}
	for i, want := range []string{"a-1", "b-2", "c-3"} {
		if accounts[i].AccountID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, accounts[i].AccountID)
		}
	}
}
