package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pagepoet/pagepoet/pkg/crawl"
	"github.com/pagepoet/pagepoet/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_SaveItem demonstrates recording a session and its items.
func ExampleSQLiteStore_SaveItem() {
	ctx := context.Background()
	store, err := stores.Open(ctx, ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	session := crawl.NewSession("books")
	if err := store.StartSession(ctx, session); err != nil {
		log.Fatal(err)
	}

	item := &crawl.Item{
		ID:        "item-001",
		SessionID: session.ID,
		URL:       "http://books.example.com/1",
		Callback:  "parse",
		Data:      map[string]any{"title": "Dune"},
		ScrapedAt: time.Now(),
	}
	if err := store.SaveItem(ctx, item); err != nil {
		log.Fatal(err)
	}

	session.Finish(crawl.SessionCompleted, nil)
	if err := store.FinishSession(ctx, session, map[string]int64{"pagepoet/item_scraped_count": 1}); err != nil {
		log.Fatal(err)
	}

	items, err := store.ListItems(ctx, &session.ID, 10, 0)
	if err != nil {
		log.Fatal(err)
	}

	var data map[string]string
	_ = items[0].Decode(&data)
	fmt.Println(len(items), data["title"])
	// Output: 1 Dune
}
