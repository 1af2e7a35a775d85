package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/quadnix/octo-sub002/pkg/stores"
)

// ExampleOpenSQLiteStore demonstrates creating, initializing and migrating a SQLite store.
func ExampleOpenSQLiteStore() {
	ctx := context.Background()
	store, err := stores.OpenSQLiteStore(ctx, stores.SQLiteConfig{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.SaveState(ctx, "models", []byte(`{"version":1}`)); err != nil {
		log.Fatal(err)
	}

	data, err := store.GetState(ctx, "models", nil)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(string(data))
	// Output: {"version":1}
}

// ExampleSQLiteStore_SaveRun demonstrates recording a transaction run and its events.
func ExampleSQLiteStore_SaveRun() {
	ctx := context.Background()
	store, _ := stores.OpenSQLiteStore(ctx, stores.SQLiteConfig{Path: ":memory:"})
	defer store.Close()

	now := time.Now().UTC()
	run := &stores.Run{
		ID:        "run-001",
		Stage:     "pending",
		Status:    stores.RunStatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := store.SaveRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	_ = store.AppendRunEvent(ctx, &stores.RunEvent{
		RunID:     run.ID,
		Type:      "transaction.started",
		Level:     "info",
		Message:   "transaction started",
		Timestamp: now,
	})

	run.Stage = "committed"
	run.Status = stores.RunStatusCommitted
	_ = store.SaveRun(ctx, run)

	got, _ := store.GetRun(ctx, "run-001")
	events, _ := store.ListRunEvents(ctx, "run-001")
	fmt.Printf("%s %s %d\n", got.Stage, got.Status, len(events))
	// Output: committed committed 1
}

// ExampleOpen demonstrates building an encrypted local provider from configuration.
func ExampleOpen() {
	dir, err := os.MkdirTemp("", "octo-state-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	provider, err := stores.Open(ctx, stores.Config{
		Backend:    stores.BackendLocal,
		Path:       dir,
		Encrypt:    true,
		Passphrase: "correct horse battery staple",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer provider.Close()

	_ = provider.SaveState(ctx, "actual-resources", []byte(`{"resources":{}}`))

	raw, _ := os.ReadFile(dir + "/actual-resources.json")
	data, _ := provider.GetState(ctx, "actual-resources", nil)
	fmt.Println(stores.IsEncrypted(raw), string(data))
	// Output: true {"resources":{}}
}
