package annotate

import (
	"sort"

	"annotator/api/internal/store"
)

// Sequence is the materialized reading order of one thread: the level-1 root
// followed by each main reply and, contiguously, that reply's nested
// sub-replies, before the next main reply begins. Replies excludes the root;
// the cursor only ever points into Replies.
type Sequence struct {
	Root    store.Post
	Replies []store.Post

	index  map[string]int    // reply id -> position in Replies
	anchor map[string]string // reply id -> id of its level-2 ancestor
	byID   map[string]store.Post
}

// Materialize builds the reading order for a thread from its raw post rows.
// It is a pure function of the rows: re-running it over the same rows yields
// the same order. Ties are broken by (created_at, post_id), so the order is
// reproducible across calls and processes.
func Materialize(threadID string, posts []store.Post) (*Sequence, error) {
	if len(posts) == 0 {
		return nil, ErrThreadNotFound
	}

	byID := make(map[string]store.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}

	root, ok := byID[threadID]
	if !ok || root.Level != 1 {
		return nil, ErrThreadNotFound
	}

	var mains []store.Post
	children := make(map[string][]store.Post)
	for _, p := range posts {
		switch {
		case p.ID == root.ID:
		case p.Level == 2:
			mains = append(mains, p)
		case p.Level >= 3:
			if p.ParentPostID == nil {
				return nil, &IntegrityError{ThreadID: threadID, PostID: p.ID, Reason: "nested reply has no parent"}
			}
			parent, ok := byID[*p.ParentPostID]
			if !ok {
				return nil, &IntegrityError{ThreadID: threadID, PostID: p.ID, Reason: "parent " + *p.ParentPostID + " not in thread"}
			}
			if parent.Level != 2 {
				return nil, &IntegrityError{ThreadID: threadID, PostID: p.ID, Reason: "parent " + parent.ID + " is not a main reply"}
			}
			children[parent.ID] = append(children[parent.ID], p)
		default:
			return nil, &IntegrityError{ThreadID: threadID, PostID: p.ID, Reason: "unexpected second top-level post"}
		}
	}

	sortPosts(mains)
	for _, subs := range children {
		sortPosts(subs)
	}

	seq := &Sequence{
		Root:   root,
		index:  make(map[string]int),
		anchor: make(map[string]string),
		byID:   byID,
	}
	for _, main := range mains {
		seq.append(main, main.ID)
		for _, sub := range children[main.ID] {
			seq.append(sub, main.ID)
		}
	}
	return seq, nil
}

func (s *Sequence) append(p store.Post, anchorID string) {
	s.index[p.ID] = len(s.Replies)
	s.anchor[p.ID] = anchorID
	s.Replies = append(s.Replies, p)
}

// Total is the thread's reply count, the root excluded.
func (s *Sequence) Total() int {
	return len(s.Replies)
}

// IndexOf returns the 0-based position of a reply in the reading order.
func (s *Sequence) IndexOf(postID string) (int, bool) {
	i, ok := s.index[postID]
	return i, ok
}

// Anchor returns the level-2 ancestor of a reply: the reply itself when it is
// a main reply, its owning main reply otherwise.
func (s *Sequence) Anchor(postID string) (store.Post, bool) {
	anchorID, ok := s.anchor[postID]
	if !ok {
		return store.Post{}, false
	}
	return s.byID[anchorID], true
}

func sortPosts(posts []store.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.Before(posts[j].CreatedAt)
		}
		return posts[i].ID < posts[j].ID
	})
}
