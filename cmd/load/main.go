// Command load ingests a forum CSV export into the annotator database and,
// when Meilisearch is configured, the search index.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"

	"annotator/api/internal/config"
	"annotator/api/internal/ingest"
	"annotator/api/internal/search"
	"annotator/api/internal/store"
)

// syncIndexer pushes posts to Meilisearch before the process exits, unlike
// the API's fire-and-forget indexing.
type syncIndexer struct {
	meili *search.Meili
}

func (s syncIndexer) IndexPosts(posts []search.PostRecord) {
	if err := s.meili.IndexPosts(posts); err != nil {
		log.Printf("index posts: %v", err)
	}
}

func main() {
	skipIndex := flag.Bool("skip-index", false, "do not push loaded posts to the search index")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatalf("usage: load [-skip-index] <export.csv>")
	}
	path := flag.Arg(0)

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	var indexer ingest.Indexer
	if !*skipIndex && strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		indexer = syncIndexer{meili: meiliClient}
	}

	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	loader := ingest.NewLoader(dataStore, indexer)
	count, err := loader.LoadCSV(ctx, f)
	if err != nil {
		log.Fatalf("load failed: %v", err)
	}
	log.Printf("Loaded %d forum posts to annotator.", count)
}
