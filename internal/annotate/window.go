package annotate

import "annotator/api/internal/store"

// Window is what the annotator sees for one step: up to two ancestors above
// the next post, the previously-read posts of the same branch, and the next
// post awaiting a code. Sibling branches are deliberately excluded so a long
// thread does not drown the relevant sub-thread in unrelated context.
type Window struct {
	Ancestors []store.Post
	Context   []store.Post
	Next      store.Post
}

// WindowAt computes the context window for the reply the cursor points at.
// The boolean is false when the post is not part of this sequence.
func (s *Sequence) WindowAt(postID string) (Window, bool) {
	idx, ok := s.index[postID]
	if !ok {
		return Window{}, false
	}
	next := s.Replies[idx]
	anchor, _ := s.Anchor(postID)

	w := Window{Next: next}

	w.Ancestors = append(w.Ancestors, s.Root)
	if next.Level >= 3 {
		w.Ancestors = append(w.Ancestors, anchor)
	}

	// Root always precedes and is always in-branch.
	w.Context = append(w.Context, s.Root)
	for i := 0; i < idx; i++ {
		p := s.Replies[i]
		switch {
		case p.Level == 2 && p.ID == anchor.ID:
			w.Context = append(w.Context, p)
		case p.Level >= 3 && p.ParentPostID != nil && *p.ParentPostID == anchor.ID:
			w.Context = append(w.Context, p)
		}
	}
	return w, true
}
