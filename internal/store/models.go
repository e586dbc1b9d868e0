package store

import "time"

type User struct {
	ID          string
	Username    string
	DisplayName string
	Email       string
	PassHash    string
	Superuser   bool
	CreatedAt   time.Time
}

// Post is one row of a forum thread. Level 1 is the top-level post, level 2
// a main reply, level >= 3 a nested reply whose ParentPostID names its
// owning main reply. Posts are written once at ingestion and never mutated.
type Post struct {
	ID           string
	ThreadID     string
	Level        int
	ParentPostID *string
	Author       string
	AuthorID     string
	Title        string
	Body         string
	Pinned       bool
	Anonymous    bool
	CommentCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ThreadSummary is the admin-facing shape of a thread: its level-1 post id,
// title, and reply count (top-level post excluded).
type ThreadSummary struct {
	ThreadID     string
	Title        string
	FirstPostID  string
	CommentCount int
}

type Task struct {
	ID              string
	Name            string
	Description     string
	Display         string // "choice" or "reply_mapping"
	AllowComments   bool
	AllowNavigation bool
	ResubmitPolicy  string // "replace" or "reject"
	Options         []TaskOption
	CreatedAt       time.Time
}

type TaskOption struct {
	ID       string
	TaskID   string
	Position int
	Value    string
	Label    string
}

// Assignment is the unit of annotation work: a (user, thread, task) triple
// with the persistent cursor. NextPostID and Done move together, only under
// the navigation engine's locked step.
type Assignment struct {
	ID         string
	UserID     string
	ThreadID   string
	TaskID     string
	NextPostID string
	Done       int
	Finished   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Code struct {
	ID           string
	AssignmentID string
	UserID       string
	PostID       string
	Values       []string
	Targets      []string
	Comment      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type CodeRevision struct {
	ID           string
	AssignmentID string
	PostID       string
	Values       []string
	Targets      []string
	Comment      string
	ReplacedAt   time.Time
}

// TieBreak records a manual resolution of a coding disagreement; resolved
// posts are excluded from future disagreement listings.
type TieBreak struct {
	ID            string
	ThreadID      string
	TaskID        string
	PostID        string
	ResolvedValue string
	ResolvedBy    string
	Note          string
	CreatedAt     time.Time
}
