package ingest

import (
	"context"
	"fmt"
	"io"

	"annotator/api/internal/search"
	"annotator/api/internal/store"
)

// Store persists ingested posts.
type Store interface {
	InsertPosts(ctx context.Context, posts []store.Post) error
}

// Indexer pushes ingested posts to the search index.
type Indexer interface {
	IndexPosts(posts []search.PostRecord)
}

// Loader reads a forum CSV export, persists the posts, and feeds the search
// index. The index is optional.
type Loader struct {
	store Store
	index Indexer
}

func NewLoader(st Store, index Indexer) *Loader {
	return &Loader{store: st, index: index}
}

// LoadCSV ingests one export file and returns the number of posts loaded.
// Posts already present are left untouched by the store's conflict handling,
// so re-running a load is safe.
func (l *Loader) LoadCSV(ctx context.Context, r io.Reader) (int, error) {
	posts, err := ReadPosts(r)
	if err != nil {
		return 0, err
	}
	if len(posts) == 0 {
		return 0, nil
	}

	if err := l.store.InsertPosts(ctx, posts); err != nil {
		return 0, fmt.Errorf("persist posts: %w", err)
	}

	if l.index != nil {
		records := make([]search.PostRecord, 0, len(posts))
		for _, p := range posts {
			records = append(records, search.PostRecord{
				ID:       p.ID,
				ThreadID: p.ThreadID,
				Level:    p.Level,
				Title:    p.Title,
				Body:     p.Body,
				Author:   p.Author,
			})
		}
		l.index.IndexPosts(records)
	}
	return len(posts), nil
}
