package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyCoded is returned by SaveCode when the assignment already has a
// code for the post and the task's resubmit policy forbids replacement.
var ErrAlreadyCoded = errors.New("post already coded")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

const userColumns = `id, username, display_name, email, pass_hash, superuser, created_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.PassHash, &user.Superuser, &user.CreatedAt)
	return user, err
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, email, pass_hash, superuser)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Username, user.DisplayName, user.Email, user.PassHash, user.Superuser)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.PassHash, &user.Superuser, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

// ---- refresh sessions / revoked tokens ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.display_name, u.email, u.pass_hash, u.superuser, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	return scanUser(s.db.QueryRowContext(ctx, query, tokenHash))
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- posts ----

const postColumns = `id, thread_id, level, parent_post_id, author, author_id, title, body, pinned, anonymous, comment_count, created_at, updated_at`

func scanPost(scan func(dest ...any) error) (Post, error) {
	var post Post
	err := scan(&post.ID, &post.ThreadID, &post.Level, &post.ParentPostID, &post.Author, &post.AuthorID,
		&post.Title, &post.Body, &post.Pinned, &post.Anonymous, &post.CommentCount, &post.CreatedAt, &post.UpdatedAt)
	return post, err
}

// PostsForThread returns every post belonging to the thread, including the
// level-1 post itself, in (created_at, id) order. The materializer owns the
// reading order; this is just the raw row set.
func (s *PostgresStore) PostsForThread(ctx context.Context, threadID string) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE id = $1 OR thread_id = $1
		ORDER BY created_at, id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("posts for thread: %w", err)
	}
	defer rows.Close()

	items := make([]Post, 0)
	for rows.Next() {
		post, err := scanPost(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		items = append(items, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPost(ctx context.Context, postID string) (Post, error) {
	return scanPost(s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id=$1`, postID).Scan)
}

func (s *PostgresStore) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, comment_count
		FROM posts
		WHERE level = 1
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]ThreadSummary, 0)
	for rows.Next() {
		var item ThreadSummary
		if err := rows.Scan(&item.ThreadID, &item.Title, &item.CommentCount); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		item.FirstPostID = item.ThreadID
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return items, nil
}

// InsertPosts writes a batch of ingested posts in one transaction. Re-running
// an import is a no-op for rows already present.
func (s *PostgresStore) InsertPosts(ctx context.Context, posts []Post) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert posts: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, post := range posts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO posts (id, thread_id, level, parent_post_id, author, author_id, title, body, pinned, anonymous, comment_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO NOTHING
		`, post.ID, post.ThreadID, post.Level, post.ParentPostID, post.Author, post.AuthorID,
			post.Title, post.Body, post.Pinned, post.Anonymous, post.CommentCount, post.CreatedAt, post.UpdatedAt); err != nil {
			return fmt.Errorf("insert post %s: %w", post.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert posts: %w", err)
	}
	return nil
}

// ---- tasks ----

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, name, description, display, allow_comments, allow_navigation, resubmit_policy)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, task.ID, task.Name, task.Description, task.Display, task.AllowComments, task.AllowNavigation, task.ResubmitPolicy); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	for _, opt := range task.Options {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_options (id, task_id, position, value, label)
			VALUES ($1, $2, $3, $4, $5)
		`, opt.ID, task.ID, opt.Position, opt.Value, opt.Label); err != nil {
			return fmt.Errorf("insert task option: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, display, allow_comments, allow_navigation, resubmit_policy, created_at
		FROM tasks WHERE id=$1
	`, taskID).Scan(&task.ID, &task.Name, &task.Description, &task.Display, &task.AllowComments,
		&task.AllowNavigation, &task.ResubmitPolicy, &task.CreatedAt)
	if err != nil {
		return Task{}, err
	}
	task.Options, err = s.taskOptions(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *PostgresStore) taskOptions(ctx context.Context, taskID string) ([]TaskOption, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, position, value, label
		FROM task_options WHERE task_id=$1 ORDER BY position
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("task options: %w", err)
	}
	defer rows.Close()

	items := make([]TaskOption, 0)
	for rows.Next() {
		var opt TaskOption
		if err := rows.Scan(&opt.ID, &opt.TaskID, &opt.Position, &opt.Value, &opt.Label); err != nil {
			return nil, fmt.Errorf("scan task option: %w", err)
		}
		items = append(items, opt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task options: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, display, allow_comments, allow_navigation, resubmit_policy, created_at
		FROM tasks ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		var task Task
		if err := rows.Scan(&task.ID, &task.Name, &task.Description, &task.Display, &task.AllowComments,
			&task.AllowNavigation, &task.ResubmitPolicy, &task.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	for i := range items {
		opts, err := s.taskOptions(ctx, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Options = opts
	}
	return items, nil
}

// ---- assignments ----

const assignmentColumns = `id, user_id, thread_id, task_id, next_post_id, done, finished, created_at, updated_at`

func scanAssignment(scan func(dest ...any) error) (Assignment, error) {
	var a Assignment
	err := scan(&a.ID, &a.UserID, &a.ThreadID, &a.TaskID, &a.NextPostID, &a.Done, &a.Finished, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (s *PostgresStore) CreateAssignment(ctx context.Context, a Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (id, user_id, thread_id, task_id, next_post_id, done, finished)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.UserID, a.ThreadID, a.TaskID, a.NextPostID, a.Done, a.Finished)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, assignmentID string) (Assignment, error) {
	return scanAssignment(s.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=$1`, assignmentID).Scan)
}

func (s *PostgresStore) AssignmentExists(ctx context.Context, userID, threadID, taskID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM assignments WHERE user_id=$1 AND thread_id=$2 AND task_id=$3)
	`, userID, threadID, taskID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check assignment: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListAssignmentsForUser(ctx context.Context, userID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM assignments WHERE user_id=$1 ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	items := make([]Assignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListAssignmentsForThreadTask(ctx context.Context, threadID, taskID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM assignments WHERE thread_id=$1 AND task_id=$2 ORDER BY created_at, id
	`, threadID, taskID)
	if err != nil {
		return nil, fmt.Errorf("list assignments for thread: %w", err)
	}
	defer rows.Close()

	items := make([]Assignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return items, nil
}

// StepAssignment runs fn against the assignment row under a SELECT ... FOR
// UPDATE lock and persists the assignment fn returns, all in one transaction.
// fn returning nil means no mutation. Two concurrent steps on the same
// assignment serialize on the row lock, so neither can act on a stale cursor.
func (s *PostgresStore) StepAssignment(ctx context.Context, assignmentID string, fn func(Assignment) (*Assignment, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin step: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanAssignment(tx.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+` FROM assignments WHERE id=$1 FOR UPDATE
	`, assignmentID).Scan)
	if err != nil {
		return err
	}

	updated, err := fn(current)
	if err != nil {
		return err
	}
	if updated == nil {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE assignments SET next_post_id=$2, done=$3, finished=$4, updated_at=NOW() WHERE id=$1
	`, assignmentID, updated.NextPostID, updated.Done, updated.Finished); err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	return nil
}

// ---- codes ----

func (s *PostgresStore) GetCode(ctx context.Context, assignmentID, postID string) (*Code, error) {
	var code Code
	var valuesRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, assignment_id, user_id, post_id, code_values, comment, created_at, updated_at
		FROM codes WHERE assignment_id=$1 AND post_id=$2
	`, assignmentID, postID).Scan(&code.ID, &code.AssignmentID, &code.UserID, &code.PostID, &valuesRaw, &code.Comment, &code.CreatedAt, &code.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get code: %w", err)
	}
	if err := json.Unmarshal(valuesRaw, &code.Values); err != nil {
		return nil, fmt.Errorf("decode code values: %w", err)
	}
	code.Targets, err = s.codeTargets(ctx, code.ID)
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func (s *PostgresStore) codeTargets(ctx context.Context, codeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT target_post_id FROM code_targets WHERE code_id=$1 ORDER BY target_post_id`, codeID)
	if err != nil {
		return nil, fmt.Errorf("code targets: %w", err)
	}
	defer rows.Close()

	targets := make([]string, 0)
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, fmt.Errorf("scan code target: %w", err)
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate code targets: %w", err)
	}
	return targets, nil
}

// SaveCode records a code for a post under an assignment. When a code already
// exists: with replace=true the prior code moves to code_revisions and the
// row is rewritten; with replace=false ErrAlreadyCoded is returned and
// nothing is written.
func (s *PostgresStore) SaveCode(ctx context.Context, code Code, replace bool) error {
	valuesJSON, err := json.Marshal(code.Values)
	if err != nil {
		return fmt.Errorf("encode code values: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save code: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID string
	var existingValuesRaw []byte
	var existingComment string
	err = tx.QueryRowContext(ctx, `
		SELECT id, code_values, comment FROM codes
		WHERE assignment_id=$1 AND post_id=$2 FOR UPDATE
	`, code.AssignmentID, code.PostID).Scan(&existingID, &existingValuesRaw, &existingComment)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first code for this post
	case err != nil:
		return fmt.Errorf("lookup existing code: %w", err)
	case !replace:
		return ErrAlreadyCoded
	default:
		targets, err := s.codeTargetsTx(ctx, tx, existingID)
		if err != nil {
			return err
		}
		targetsJSON, err := json.Marshal(targets)
		if err != nil {
			return fmt.Errorf("encode revision targets: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO code_revisions (id, assignment_id, post_id, code_values, comment, target_post_ids)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, newRevisionID(), code.AssignmentID, code.PostID, existingValuesRaw, existingComment, targetsJSON); err != nil {
			return fmt.Errorf("insert code revision: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM code_targets WHERE code_id=$1`, existingID); err != nil {
			return fmt.Errorf("clear code targets: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM codes WHERE id=$1`, existingID); err != nil {
			return fmt.Errorf("delete replaced code: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO codes (id, assignment_id, user_id, post_id, code_values, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, code.ID, code.AssignmentID, code.UserID, code.PostID, valuesJSON, code.Comment); err != nil {
		return fmt.Errorf("insert code: %w", err)
	}
	for _, target := range code.Targets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO code_targets (code_id, target_post_id) VALUES ($1, $2)
		`, code.ID, target); err != nil {
			return fmt.Errorf("insert code target: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save code: %w", err)
	}
	return nil
}

func (s *PostgresStore) codeTargetsTx(ctx context.Context, tx *sql.Tx, codeID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT target_post_id FROM code_targets WHERE code_id=$1 ORDER BY target_post_id`, codeID)
	if err != nil {
		return nil, fmt.Errorf("code targets: %w", err)
	}
	defer rows.Close()

	targets := make([]string, 0)
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, fmt.Errorf("scan code target: %w", err)
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// CodesForThreadTask returns every recorded code for a (thread, task) pair
// across all annotators; the agreement diagnostics consume this.
func (s *PostgresStore) CodesForThreadTask(ctx context.Context, threadID, taskID string) ([]Code, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.assignment_id, c.user_id, c.post_id, c.code_values, c.comment, c.created_at, c.updated_at
		FROM codes c
		JOIN assignments a ON a.id = c.assignment_id
		WHERE a.thread_id=$1 AND a.task_id=$2
		ORDER BY c.created_at, c.id
	`, threadID, taskID)
	if err != nil {
		return nil, fmt.Errorf("codes for thread: %w", err)
	}
	defer rows.Close()

	items := make([]Code, 0)
	for rows.Next() {
		var code Code
		var valuesRaw []byte
		if err := rows.Scan(&code.ID, &code.AssignmentID, &code.UserID, &code.PostID, &valuesRaw, &code.Comment, &code.CreatedAt, &code.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan code: %w", err)
		}
		if err := json.Unmarshal(valuesRaw, &code.Values); err != nil {
			return nil, fmt.Errorf("decode code values: %w", err)
		}
		items = append(items, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate codes: %w", err)
	}
	return items, nil
}

// CodeExportRow is one line of the per-task code export.
type CodeExportRow struct {
	Username  string
	ThreadID  string
	PostID    string
	Values    []string
	Targets   []string
	Comment   string
	CreatedAt time.Time
}

func (s *PostgresStore) CodesForTask(ctx context.Context, taskID string) ([]CodeExportRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.username, a.thread_id, c.post_id, c.code_values, c.comment, c.created_at, c.id
		FROM codes c
		JOIN assignments a ON a.id = c.assignment_id
		JOIN users u ON u.id = c.user_id
		WHERE a.task_id=$1
		ORDER BY a.thread_id, u.username, c.created_at
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("codes for task: %w", err)
	}
	defer rows.Close()

	items := make([]CodeExportRow, 0)
	codeIDs := make([]string, 0)
	for rows.Next() {
		var row CodeExportRow
		var valuesRaw []byte
		var codeID string
		if err := rows.Scan(&row.Username, &row.ThreadID, &row.PostID, &valuesRaw, &row.Comment, &row.CreatedAt, &codeID); err != nil {
			return nil, fmt.Errorf("scan export row: %w", err)
		}
		if err := json.Unmarshal(valuesRaw, &row.Values); err != nil {
			return nil, fmt.Errorf("decode code values: %w", err)
		}
		items = append(items, row)
		codeIDs = append(codeIDs, codeID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate export rows: %w", err)
	}
	for i, codeID := range codeIDs {
		targets, err := s.codeTargets(ctx, codeID)
		if err != nil {
			return nil, err
		}
		items[i].Targets = targets
	}
	return items, nil
}

func newRevisionID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "rev_" + hex.EncodeToString(buf)
}

// ---- tie-breaks ----

func (s *PostgresStore) InsertTieBreak(ctx context.Context, tb TieBreak) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tiebreaks (id, thread_id, task_id, post_id, resolved_value, resolved_by, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (thread_id, task_id, post_id)
		DO UPDATE SET resolved_value=EXCLUDED.resolved_value, resolved_by=EXCLUDED.resolved_by, note=EXCLUDED.note
	`, tb.ID, tb.ThreadID, tb.TaskID, tb.PostID, tb.ResolvedValue, tb.ResolvedBy, tb.Note)
	if err != nil {
		return fmt.Errorf("insert tiebreak: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTieBreaks(ctx context.Context, threadID, taskID string) ([]TieBreak, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, task_id, post_id, resolved_value, resolved_by, note, created_at
		FROM tiebreaks WHERE thread_id=$1 AND task_id=$2 ORDER BY created_at, id
	`, threadID, taskID)
	if err != nil {
		return nil, fmt.Errorf("list tiebreaks: %w", err)
	}
	defer rows.Close()

	items := make([]TieBreak, 0)
	for rows.Next() {
		var tb TieBreak
		if err := rows.Scan(&tb.ID, &tb.ThreadID, &tb.TaskID, &tb.PostID, &tb.ResolvedValue, &tb.ResolvedBy, &tb.Note, &tb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tiebreak: %w", err)
		}
		items = append(items, tb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tiebreaks: %w", err)
	}
	return items, nil
}
