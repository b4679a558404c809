package postgres

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal"
	"github.com/louisbranch/fulfillment/internal/services/fulfillment/journal/journaltest"
)

func TestPostgresJournalContract(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("FULFILLMENT_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("FULFILLMENT_TEST_POSTGRES_DSN not set")
	}
	journaltest.Run(t, func(t *testing.T) journal.Journal {
		ctx := context.Background()
		store, err := Open(ctx, dsn)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		if err := store.truncate(ctx); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return store
	})
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
}
