// Package annotate implements the reading order over threaded forum posts
// and the per-assignment cursor that annotators step through it with.
package annotate

import (
	"errors"
	"fmt"
)

var (
	ErrThreadNotFound     = errors.New("thread not found")
	ErrAssignmentNotFound = errors.New("assignment not found")
)

// IntegrityError reports a post whose parent reference does not resolve to a
// level-2 post in the same thread. The affected thread cannot be annotated
// until the stored rows are repaired; the error is surfaced, never patched
// over.
type IntegrityError struct {
	ThreadID string
	PostID   string
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("thread %s: post %s: %s", e.ThreadID, e.PostID, e.Reason)
}

// CursorError reports an assignment cursor that does not point at a post in
// the assignment's thread, or disagrees with the persisted done counter.
type CursorError struct {
	AssignmentID string
	NextPostID   string
	Reason       string
}

func (e *CursorError) Error() string {
	return fmt.Sprintf("assignment %s: cursor %s: %s", e.AssignmentID, e.NextPostID, e.Reason)
}
