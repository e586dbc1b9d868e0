package annotate

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"annotator/api/internal/store"
)

type fakeNavStore struct {
	mu          sync.Mutex
	stepMu      sync.Mutex
	assignments map[string]store.Assignment
	posts       map[string][]store.Post
}

func newFakeNavStore() *fakeNavStore {
	return &fakeNavStore{
		assignments: make(map[string]store.Assignment),
		posts:       make(map[string][]store.Post),
	}
}

func (f *fakeNavStore) GetAssignment(_ context.Context, id string) (store.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[id]
	if !ok {
		return store.Assignment{}, sql.ErrNoRows
	}
	return a, nil
}

func (f *fakeNavStore) PostsForThread(_ context.Context, threadID string) ([]store.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts[threadID], nil
}

// StepAssignment serializes steps the way the row lock does, but must not
// hold the map mutex across fn: the callback reads the thread through the
// same store.
func (f *fakeNavStore) StepAssignment(_ context.Context, id string, fn func(store.Assignment) (*store.Assignment, error)) error {
	f.stepMu.Lock()
	defer f.stepMu.Unlock()

	f.mu.Lock()
	a, ok := f.assignments[id]
	f.mu.Unlock()
	if !ok {
		return sql.ErrNoRows
	}
	updated, err := fn(a)
	if err != nil {
		return err
	}
	if updated != nil {
		f.mu.Lock()
		f.assignments[id] = *updated
		f.mu.Unlock()
	}
	return nil
}

// seedStore seeds a small thread p1 with replies
// [p2 L2, p3 L3<-p2, p4 L2], comment_count 3, fresh assignment at p2.
func seedStore() (*fakeNavStore, *Engine) {
	st := newFakeNavStore()
	st.posts["p1"] = []store.Post{
		post("p1", "p1", 1, "", 0),
		post("p2", "p1", 2, "", 1),
		post("p3", "p1", 3, "p2", 2),
		post("p4", "p1", 2, "", 3),
	}
	st.assignments["a1"] = store.Assignment{
		ID: "a1", UserID: "u1", ThreadID: "p1", TaskID: "task1",
		NextPostID: "p2", Done: 0,
	}
	return st, NewEngine(st)
}

func TestAdvanceThroughThread(t *testing.T) {
	st, engine := seedStore()
	ctx := context.Background()

	steps := []struct {
		wantNext string
		wantDone int
	}{
		{"p3", 1}, // into the sub-thread
		{"p4", 2}, // branch exhausted, next main reply
	}
	for i, step := range steps {
		result, err := engine.Advance(ctx, "a1", 1)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if result != StepAdvanced {
			t.Fatalf("advance %d: result = %s, want advanced", i, result)
		}
		a := st.assignments["a1"]
		if a.NextPostID != step.wantNext || a.Done != step.wantDone {
			t.Fatalf("advance %d: cursor = (%s, %d), want (%s, %d)", i, a.NextPostID, a.Done, step.wantNext, step.wantDone)
		}
	}

	result, err := engine.Advance(ctx, "a1", 1)
	if err != nil {
		t.Fatalf("final advance: %v", err)
	}
	if result != StepFinished {
		t.Fatalf("final advance: result = %s, want finished", result)
	}
	a := st.assignments["a1"]
	if !a.Finished || a.Done != 3 {
		t.Fatalf("terminal state = (done=%d, finished=%v), want (3, true)", a.Done, a.Finished)
	}
}

func TestAdvanceFinishedIsIdempotent(t *testing.T) {
	st, engine := seedStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := engine.Advance(ctx, "a1", 1); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	before := st.assignments["a1"]

	for i := 0; i < 2; i++ {
		result, err := engine.Advance(ctx, "a1", 1)
		if err != nil {
			t.Fatalf("post-finish advance: %v", err)
		}
		if result != StepFinished {
			t.Fatalf("post-finish result = %s, want finished", result)
		}
	}
	// backward navigation is locked once the thread is complete
	result, err := engine.Advance(ctx, "a1", -1)
	if err != nil {
		t.Fatalf("post-finish backward: %v", err)
	}
	if result != StepFinished {
		t.Fatalf("post-finish backward result = %s, want finished", result)
	}

	after := st.assignments["a1"]
	if after != before {
		t.Fatalf("finished assignment mutated: %+v -> %+v", before, after)
	}
}

func TestAdvanceAtStart(t *testing.T) {
	st, engine := seedStore()
	ctx := context.Background()

	result, err := engine.Advance(ctx, "a1", -1)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if result != StepAtStart {
		t.Fatalf("result = %s, want at_start", result)
	}
	a := st.assignments["a1"]
	if a.NextPostID != "p2" || a.Done != 0 {
		t.Fatalf("cursor mutated at start: (%s, %d)", a.NextPostID, a.Done)
	}
}

func TestAdvanceRoundTrip(t *testing.T) {
	st, engine := seedStore()
	ctx := context.Background()
	before := st.assignments["a1"]

	for i := 0; i < 2; i++ {
		if _, err := engine.Advance(ctx, "a1", 1); err != nil {
			t.Fatalf("forward %d: %v", i, err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := engine.Advance(ctx, "a1", -1); err != nil {
			t.Fatalf("backward %d: %v", i, err)
		}
	}

	after := st.assignments["a1"]
	if after.NextPostID != before.NextPostID || after.Done != before.Done {
		t.Fatalf("round trip: cursor = (%s, %d), want (%s, %d)",
			after.NextPostID, after.Done, before.NextPostID, before.Done)
	}
}

func TestAdvanceSerializedSteps(t *testing.T) {
	st, engine := seedStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Advance(ctx, "a1", 1); err != nil {
				t.Errorf("concurrent advance: %v", err)
			}
		}()
	}
	wg.Wait()

	// three serialized forward steps over three replies must land exactly on
	// the terminal state, never short of it
	a := st.assignments["a1"]
	if a.Done != 3 || !a.Finished {
		t.Fatalf("after 3 concurrent advances: (done=%d, finished=%v), want (3, true)", a.Done, a.Finished)
	}
}

func TestStepCallbackCanReadThread(t *testing.T) {
	st, _ := seedStore()

	done := make(chan error, 1)
	go func() {
		done <- st.StepAssignment(context.Background(), "a1", func(a store.Assignment) (*store.Assignment, error) {
			posts, err := st.PostsForThread(context.Background(), a.ThreadID)
			if err != nil {
				return nil, err
			}
			if len(posts) != 4 {
				return nil, errors.New("thread not visible inside step")
			}
			return nil, nil
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("step: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("step callback blocked reading the thread")
	}
}

func TestAdvanceRejectsBadDirection(t *testing.T) {
	_, engine := seedStore()
	if _, err := engine.Advance(context.Background(), "a1", 0); err == nil {
		t.Fatal("direction 0 must be rejected")
	}
}

func TestAdvanceUnknownAssignment(t *testing.T) {
	_, engine := seedStore()
	if _, err := engine.Advance(context.Background(), "ghost", 1); !errors.Is(err, ErrAssignmentNotFound) {
		t.Fatalf("err = %v, want ErrAssignmentNotFound", err)
	}
}

func TestWindowView(t *testing.T) {
	_, engine := seedStore()
	ctx := context.Background()

	if _, err := engine.Advance(ctx, "a1", 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	view, err := engine.Window(ctx, "a1")
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if view.Window.Next.ID != "p3" {
		t.Fatalf("next = %s, want p3", view.Window.Next.ID)
	}
	assertIDs(t, view.Window.Ancestors, "p1", "p2")
	assertIDs(t, view.Window.Context, "p1", "p2")
	if view.Done != 1 || view.Total != 3 || view.Finished {
		t.Fatalf("progress = (%d, %d, %v), want (1, 3, false)", view.Done, view.Total, view.Finished)
	}
}

func TestWindowUnknownAssignment(t *testing.T) {
	_, engine := seedStore()
	if _, err := engine.Window(context.Background(), "ghost"); !errors.Is(err, ErrAssignmentNotFound) {
		t.Fatalf("err = %v, want ErrAssignmentNotFound", err)
	}
}

func TestWindowInvalidCursor(t *testing.T) {
	st, engine := seedStore()
	a := st.assignments["a1"]
	a.NextPostID = "not-in-thread"
	st.assignments["a1"] = a

	var cursorErr *CursorError
	if _, err := engine.Window(context.Background(), "a1"); !errors.As(err, &cursorErr) {
		t.Fatalf("err = %v, want CursorError", err)
	}
}

func TestAdvanceDetectsCursorDrift(t *testing.T) {
	st, engine := seedStore()
	a := st.assignments["a1"]
	a.Done = 2 // disagrees with cursor p2 at position 0
	st.assignments["a1"] = a

	var cursorErr *CursorError
	if _, err := engine.Advance(context.Background(), "a1", 1); !errors.As(err, &cursorErr) {
		t.Fatalf("err = %v, want CursorError", err)
	}
}

func TestProgress(t *testing.T) {
	_, engine := seedStore()
	ctx := context.Background()

	done, total, finished, err := engine.Progress(ctx, "a1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if done != 0 || total != 3 || finished {
		t.Fatalf("progress = (%d, %d, %v), want (0, 3, false)", done, total, finished)
	}

	for i := 0; i < 3; i++ {
		if _, err := engine.Advance(ctx, "a1", 1); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	done, total, finished, err = engine.Progress(ctx, "a1")
	if err != nil {
		t.Fatalf("progress after finish: %v", err)
	}
	if done != 3 || total != 3 || !finished {
		t.Fatalf("progress = (%d, %d, %v), want (3, 3, true)", done, total, finished)
	}
	ok, err := engine.IsFinished(ctx, "a1")
	if err != nil || !ok {
		t.Fatalf("is finished = (%v, %v), want (true, nil)", ok, err)
	}
}
