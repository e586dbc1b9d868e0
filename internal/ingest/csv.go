// Package ingest loads forum thread exports from CSV into the post store.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"annotator/api/internal/store"
)

// Column names of the forum export. "upvotes" is present in the export but
// not carried over.
const (
	colID           = "mongoid"
	colThreadID     = "comment_thread_id"
	colLevel        = "level"
	colParentPostID = "parent_post_id"
	colAuthor       = "author"
	colAuthorID     = "author_id"
	colTitle        = "title"
	colBody         = "body"
	colCreatedAt    = "created_at"
	colUpdatedAt    = "updated_at"
	colCommentCount = "comment_count"
	colPinned       = "pinned"
	colAnonymous    = "anonymous"
)

var requiredColumns = []string{
	colID, colThreadID, colLevel, colParentPostID, colAuthor,
	colTitle, colBody, colCreatedAt,
}

// Export timestamps come with or without fractional seconds, zone-suffixed.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999 MST",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
}

// ReadPosts decodes a forum CSV export. Columns are located by header name,
// so column order in the file does not matter.
func ReadPosts(r io.Reader) ([]store.Post, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	idx := map[string]int{}
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, name := range requiredColumns {
		if _, ok := idx[name]; !ok {
			return nil, fmt.Errorf("csv missing column %q", name)
		}
	}

	field := func(record []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	posts := make([]store.Post, 0)
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}

		threadID := field(record, colThreadID)
		if threadID == "NA" {
			threadID = ""
		}
		post := store.Post{
			ID:           field(record, colID),
			ThreadID:     threadID,
			Level:        parseCount(field(record, colLevel)),
			Author:       field(record, colAuthor),
			AuthorID:     field(record, colAuthorID),
			Title:        field(record, colTitle),
			Body:         field(record, colBody),
			CommentCount: parseCount(field(record, colCommentCount)),
			Pinned:       parseFlag(field(record, colPinned)),
			Anonymous:    parseFlag(field(record, colAnonymous)),
		}
		if post.ID == "" {
			return nil, fmt.Errorf("csv line %d: empty post id", line)
		}

		if parent := field(record, colParentPostID); parent != "" && parent != "NA" {
			post.ParentPostID = &parent
		}

		post.CreatedAt, err = parseTimestamp(field(record, colCreatedAt))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		post.UpdatedAt, err = parseTimestamp(field(record, colUpdatedAt))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		if post.UpdatedAt.IsZero() {
			post.UpdatedAt = post.CreatedAt
		}

		posts = append(posts, post)
	}
	return posts, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" || value == "NA" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// parseCount treats the export's NA / empty / False markers as zero.
func parseCount(value string) int {
	switch value {
	case "", "NA", "False":
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

func parseFlag(value string) bool {
	switch value {
	case "", "NA", "0", "False", "false":
		return false
	}
	return true
}
