// Package stores persists crawl results in SQLite.
//
// A SQLiteStore records each crawl session with its final stats, every
// scraped item (as JSON) and, when subscribed to a telemetry publisher, the
// crawl events. It implements crawl.ItemSink and crawl.SessionRecorder so a
// crawler can write to it directly:
//
//	store, err := stores.Open(ctx, "pagepoet.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	crawler := crawl.NewCrawler(reg, env, downloader,
//	    crawl.WithItemSink(store),
//	    crawl.WithSessionRecorder(store),
//	)
//
// The schema is applied with golang-migrate from embedded migrations. File
// databases run in WAL mode.
package stores
