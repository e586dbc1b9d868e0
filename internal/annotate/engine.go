package annotate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"annotator/api/internal/store"
)

// StepResult is the outcome of one Advance call. AtStart and Finished are
// navigation boundary signals, not faults.
type StepResult string

const (
	StepAdvanced StepResult = "advanced"
	StepAtStart  StepResult = "at_start"
	StepFinished StepResult = "finished"
)

// Store is the slice of the data store the navigation engine needs.
// StepAssignment must run its callback under mutual exclusion for the
// assignment row and persist the returned assignment atomically with it.
type Store interface {
	GetAssignment(ctx context.Context, assignmentID string) (store.Assignment, error)
	PostsForThread(ctx context.Context, threadID string) ([]store.Post, error)
	StepAssignment(ctx context.Context, assignmentID string, fn func(store.Assignment) (*store.Assignment, error)) error
}

// Engine owns assignment cursors. All cursor mutation goes through Advance;
// everything else is a pure read.
type Engine struct {
	store Store
}

func NewEngine(st Store) *Engine {
	return &Engine{store: st}
}

// View is the annotation screen's data: the context window plus progress.
type View struct {
	Assignment store.Assignment
	Window     Window
	Done       int
	Total      int
	Finished   bool
}

// Window loads the assignment, materializes its thread, and computes the
// context window at the current cursor.
func (e *Engine) Window(ctx context.Context, assignmentID string) (View, error) {
	a, seq, err := e.load(ctx, assignmentID)
	if err != nil {
		return View{}, err
	}
	w, ok := seq.WindowAt(a.NextPostID)
	if !ok {
		return View{}, &CursorError{AssignmentID: a.ID, NextPostID: a.NextPostID, Reason: "not a reply in thread " + a.ThreadID}
	}
	return View{Assignment: a, Window: w, Done: a.Done, Total: seq.Total(), Finished: a.Finished}, nil
}

// Advance moves the cursor one step through the materialized reply order.
// Because the order groups each main reply with its sub-replies, a single
// step either descends into the current branch's next sub-reply or crosses
// to the next main reply; there is nothing else between.
//
// Forward from the final reply records done == total and flips finished;
// the terminal state re-signals Finished on any later step without mutation.
// Backward from the first reply signals AtStart without mutation.
func (e *Engine) Advance(ctx context.Context, assignmentID string, direction int) (StepResult, error) {
	if direction != 1 && direction != -1 {
		return "", fmt.Errorf("direction must be +1 or -1, got %d", direction)
	}

	var result StepResult
	err := e.store.StepAssignment(ctx, assignmentID, func(a store.Assignment) (*store.Assignment, error) {
		posts, err := e.store.PostsForThread(ctx, a.ThreadID)
		if err != nil {
			return nil, err
		}
		seq, err := Materialize(a.ThreadID, posts)
		if err != nil {
			return nil, err
		}

		if a.Finished {
			result = StepFinished
			return nil, nil
		}

		idx, ok := seq.IndexOf(a.NextPostID)
		if !ok {
			return nil, &CursorError{AssignmentID: a.ID, NextPostID: a.NextPostID, Reason: "not a reply in thread " + a.ThreadID}
		}
		if idx != a.Done {
			return nil, &CursorError{AssignmentID: a.ID, NextPostID: a.NextPostID,
				Reason: fmt.Sprintf("done=%d disagrees with cursor position %d", a.Done, idx)}
		}

		if direction > 0 {
			next := idx + 1
			if next >= seq.Total() {
				a.Done = seq.Total()
				a.Finished = true
				result = StepFinished
				return &a, nil
			}
			a.NextPostID = seq.Replies[next].ID
			a.Done = next
			result = StepAdvanced
			return &a, nil
		}

		if idx == 0 {
			result = StepAtStart
			return nil, nil
		}
		a.NextPostID = seq.Replies[idx-1].ID
		a.Done = idx - 1
		result = StepAdvanced
		return &a, nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrAssignmentNotFound
		}
		return "", err
	}
	return result, nil
}

// Progress reports (done, total, finished) for the completion tracker.
// done <= total always; done == total exactly when finished.
func (e *Engine) Progress(ctx context.Context, assignmentID string) (done, total int, finished bool, err error) {
	a, seq, err := e.load(ctx, assignmentID)
	if err != nil {
		return 0, 0, false, err
	}
	return a.Done, seq.Total(), a.Finished, nil
}

// IsFinished reports whether the assignment's cursor has exhausted its
// thread.
func (e *Engine) IsFinished(ctx context.Context, assignmentID string) (bool, error) {
	a, err := e.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrAssignmentNotFound
		}
		return false, err
	}
	return a.Finished, nil
}

func (e *Engine) load(ctx context.Context, assignmentID string) (store.Assignment, *Sequence, error) {
	a, err := e.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Assignment{}, nil, ErrAssignmentNotFound
		}
		return store.Assignment{}, nil, err
	}
	posts, err := e.store.PostsForThread(ctx, a.ThreadID)
	if err != nil {
		return store.Assignment{}, nil, err
	}
	seq, err := Materialize(a.ThreadID, posts)
	if err != nil {
		return store.Assignment{}, nil, err
	}
	return a, seq, nil
}
