package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"annotator/api/internal/agreement"
	"annotator/api/internal/annotate"
	"annotator/api/internal/auth"
	"annotator/api/internal/config"
	"annotator/api/internal/email"
	"annotator/api/internal/export"
	"annotator/api/internal/ingest"
	"annotator/api/internal/rbac"
	"annotator/api/internal/search"
	"annotator/api/internal/store"
	"annotator/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	DisplayName  string
	Role         string
	Superuser    bool
	JTI          string
	ExpiresAt    time.Time
}

// AssignmentInput is one requested assignment in the admin batch payload.
type AssignmentInput struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
	TaskID   string `json:"taskId"`
}

// AssignmentOutcome reports what happened to one requested assignment.
type AssignmentOutcome struct {
	ThreadID     string `json:"threadId"`
	UserID       string `json:"userId"`
	TaskID       string `json:"taskId"`
	AssignmentID string `json:"assignmentId,omitempty"`
	Status       string `json:"status"` // "created" or "skipped"
	Reason       string `json:"reason,omitempty"`
}

type CreateUserInput struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Superuser   bool   `json:"superuser"`
}

type CreateTaskInput struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Display         string            `json:"display"`
	AllowComments   bool              `json:"allowComments"`
	AllowNavigation bool              `json:"allowNavigation"`
	ResubmitPolicy  string            `json:"resubmitPolicy"`
	Options         []TaskOptionInput `json:"options"`
}

type TaskOptionInput struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type SubmitCodeInput struct {
	PostID  string   `json:"postId"`
	Values  []string `json:"values"`
	Targets []string `json:"targets"`
	Comment string   `json:"comment"`
	Advance bool     `json:"advance"`
}

// SubmitResult is the outcome of a code submission. Status other than
// "saved" is a validation signal produced before any write.
type SubmitResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Step    string `json:"step,omitempty"`
}

// Submission signals mirrored to the annotation client verbatim.
const (
	SubmitSaved          = "saved"
	SubmitMissingCode    = "missing_code"
	SubmitMissingTargets = "missing_targets"
	SubmitAlreadyCoded   = "already_coded"
)

type TieBreakInput struct {
	ThreadID      string `json:"threadId"`
	TaskID        string `json:"taskId"`
	PostID        string `json:"postId"`
	ResolvedValue string `json:"resolvedValue"`
	Note          string `json:"note"`
}

var allowedTaskDisplays = map[string]struct{}{
	"choice":        {},
	"reply_mapping": {},
}

var allowedResubmitPolicies = map[string]struct{}{
	"replace": {},
	"reject":  {},
}

type dataStore interface {
	GetUserByUsername(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) error
	ListUsers(context.Context) ([]store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	PostsForThread(context.Context, string) ([]store.Post, error)
	GetPost(context.Context, string) (store.Post, error)
	ListThreads(context.Context) ([]store.ThreadSummary, error)
	InsertPosts(context.Context, []store.Post) error
	CreateTask(context.Context, store.Task) error
	GetTask(context.Context, string) (store.Task, error)
	ListTasks(context.Context) ([]store.Task, error)
	CreateAssignment(context.Context, store.Assignment) error
	GetAssignment(context.Context, string) (store.Assignment, error)
	AssignmentExists(context.Context, string, string, string) (bool, error)
	ListAssignmentsForUser(context.Context, string) ([]store.Assignment, error)
	ListAssignmentsForThreadTask(context.Context, string, string) ([]store.Assignment, error)
	StepAssignment(context.Context, string, func(store.Assignment) (*store.Assignment, error)) error
	GetCode(context.Context, string, string) (*store.Code, error)
	SaveCode(context.Context, store.Code, bool) error
	CodesForThreadTask(context.Context, string, string) ([]store.Code, error)
	InsertTieBreak(context.Context, store.TieBreak) error
	ListTieBreaks(context.Context, string, string) ([]store.TieBreak, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions. The Redis store snapshots the full
// user; the Postgres fallback adapts to the relational shape underneath.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type pgSessions struct {
	store dataStore
}

func (p pgSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p pgSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.store.LookupRefreshSession(ctx, tokenHash)
}

func (p pgSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}

type searcher interface {
	Search(q search.Query) search.Response
	IndexPosts(posts []search.PostRecord)
}

type diagnostics interface {
	Report(ctx context.Context, threadID, taskID string) (agreement.Report, error)
	Disagreements(ctx context.Context, threadID, taskID string) ([]agreement.Disagreement, error)
}

type exporter interface {
	CodesCSV(ctx context.Context, taskID string) (*export.Result, error)
	AgreementReport(ctx context.Context, threadID, taskID string, format export.Format) (*export.Result, error)
}

type mailer interface {
	IsConfigured() bool
	SendAssignmentNotification(to, userName, threadTitle, taskName, appURL string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	engine   *annotate.Engine
	search   searcher
	diag     diagnostics
	exporter exporter
	mail     mailer
}

// New wires the service. sessions may be nil, in which case refresh
// sessions live in Postgres next to everything else.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchSvc *search.Service, exportSvc *export.Service, mailSvc *email.Service) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		engine:   annotate.NewEngine(dataStore),
		diag:     agreement.NewService(dataStore),
	}
	if svc.sessions == nil {
		svc.sessions = pgSessions{store: dataStore}
	}
	if searchSvc != nil {
		svc.search = searchSvc
	}
	if exportSvc != nil {
		svc.exporter = exportSvc
	}
	if mailSvc != nil {
		svc.mail = mailSvc
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap creates the configured admin account when the users table is
// empty, so a fresh deployment can be logged into.
func (s *Service) Bootstrap(ctx context.Context) error {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	if s.cfg.AdminPassword == "" {
		log.Printf("no users exist and ANNOTATOR_ADMIN_PASSWORD is unset; skipping admin bootstrap")
		return nil
	}
	_, err = s.CreateUser(ctx, CreateUserInput{
		Username:  s.cfg.AdminUsername,
		Password:  s.cfg.AdminPassword,
		Superuser: true,
	})
	return err
}

// Login checks the password and issues an access/refresh token pair.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
		}
		return Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PassHash), []byte(password)); err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}

	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:       user.ID,
		Name:      user.Username,
		Superuser: user.Superuser,
		JTI:       jti,
		Exp:       expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		DisplayName:  user.DisplayName,
		Role:         string(rbac.ForSuperuser(user.Superuser)),
		Superuser:    user.Superuser,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:       token,
		UserID:      user.ID,
		UserName:    user.Username,
		DisplayName: user.DisplayName,
		Role:        string(rbac.ForSuperuser(user.Superuser)),
		Superuser:   user.Superuser,
		JTI:         claims.JTI,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(session Session, action rbac.Action) bool {
	return rbac.Can(rbac.Role(session.Role), action)
}

// Users

func (s *Service) ListUsers(ctx context.Context) ([]map[string]any, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, u := range users {
		items = append(items, userPayload(u))
	}
	return items, nil
}

func (s *Service) CreateUser(ctx context.Context, input CreateUserInput) (map[string]any, error) {
	username := strings.TrimSpace(input.Username)
	if username == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "username is required", nil)
	}
	if len(input.Password) < 8 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "password must be at least 8 characters", nil)
	}

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return nil, domainError(http.StatusConflict, "USERNAME_EXISTS", "Username already taken", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:          util.NewID("usr"),
		Username:    username,
		DisplayName: strings.TrimSpace(input.DisplayName),
		Email:       strings.TrimSpace(input.Email),
		PassHash:    string(hash),
		Superuser:   input.Superuser,
	}
	if user.DisplayName == "" {
		user.DisplayName = username
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func userPayload(u store.User) map[string]any {
	return map[string]any{
		"id":          u.ID,
		"username":    u.Username,
		"displayName": u.DisplayName,
		"email":       u.Email,
		"superuser":   u.Superuser,
	}
}

// Tasks

func (s *Service) CreateTask(ctx context.Context, input CreateTaskInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	display := input.Display
	if display == "" {
		display = "choice"
	}
	if _, ok := allowedTaskDisplays[display]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "display must be choice or reply_mapping", nil)
	}
	policy := input.ResubmitPolicy
	if policy == "" {
		policy = "replace"
	}
	if _, ok := allowedResubmitPolicies[policy]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "resubmitPolicy must be replace or reject", nil)
	}
	if display == "choice" && len(input.Options) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "a choice task needs at least one option", nil)
	}

	task := store.Task{
		ID:              util.NewID("task"),
		Name:            name,
		Description:     strings.TrimSpace(input.Description),
		Display:         display,
		AllowComments:   input.AllowComments,
		AllowNavigation: input.AllowNavigation,
		ResubmitPolicy:  policy,
	}
	for i, opt := range input.Options {
		value := strings.TrimSpace(opt.Value)
		if value == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "option value is required", nil)
		}
		label := strings.TrimSpace(opt.Label)
		if label == "" {
			label = value
		}
		task.Options = append(task.Options, store.TaskOption{
			ID:       util.NewID("opt"),
			TaskID:   task.ID,
			Position: i,
			Value:    value,
			Label:    label,
		})
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return taskPayload(task), nil
}

func (s *Service) ListTasks(ctx context.Context) ([]map[string]any, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, taskPayload(t))
	}
	return items, nil
}

func taskPayload(t store.Task) map[string]any {
	options := make([]map[string]any, 0, len(t.Options))
	for _, opt := range t.Options {
		options = append(options, map[string]any{
			"value": opt.Value,
			"label": opt.Label,
		})
	}
	return map[string]any{
		"id":              t.ID,
		"name":            t.Name,
		"description":     t.Description,
		"display":         t.Display,
		"allowComments":   t.AllowComments,
		"allowNavigation": t.AllowNavigation,
		"resubmitPolicy":  t.ResubmitPolicy,
		"options":         options,
	}
}

// Threads

func (s *Service) ListThreads(ctx context.Context) ([]map[string]any, error) {
	threads, err := s.store.ListThreads(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(threads))
	for _, t := range threads {
		items = append(items, map[string]any{
			"id":           t.ThreadID,
			"title":        t.Title,
			"firstPostId":  t.FirstPostID,
			"commentCount": t.CommentCount,
		})
	}
	return items, nil
}

func (s *Service) SearchPosts(q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	return s.search.Search(q), nil
}

// IngestCSV loads a forum export and feeds the search index.
func (s *Service) IngestCSV(ctx context.Context, r io.Reader) (int, error) {
	loader := ingest.NewLoader(ingestStore{s.store}, s.searchIndexer())
	n, err := loader.LoadCSV(ctx, r)
	if err != nil {
		return 0, domainError(http.StatusUnprocessableEntity, "INGEST_FAILED", err.Error(), nil)
	}
	return n, nil
}

type ingestStore struct {
	store dataStore
}

func (i ingestStore) InsertPosts(ctx context.Context, posts []store.Post) error {
	return i.store.InsertPosts(ctx, posts)
}

func (s *Service) searchIndexer() ingest.Indexer {
	if s.search == nil {
		return nil
	}
	return s.search
}

// Assignments

// CreateAssignments processes the admin batch payload. Each entry succeeds
// or is skipped on its own; duplicates of an existing (user, thread, task)
// triple are skipped, not errors.
func (s *Service) CreateAssignments(ctx context.Context, items []AssignmentInput) ([]AssignmentOutcome, error) {
	if len(items) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "assignments payload is empty", nil)
	}

	outcomes := make([]AssignmentOutcome, 0, len(items))
	for _, item := range items {
		outcome := AssignmentOutcome{ThreadID: item.ThreadID, UserID: item.UserID, TaskID: item.TaskID}

		user, err := s.store.GetUserByID(ctx, item.UserID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				outcome.Status = "skipped"
				outcome.Reason = "unknown user"
				outcomes = append(outcomes, outcome)
				continue
			}
			return nil, err
		}
		task, err := s.store.GetTask(ctx, item.TaskID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				outcome.Status = "skipped"
				outcome.Reason = "unknown task"
				outcomes = append(outcomes, outcome)
				continue
			}
			return nil, err
		}

		posts, err := s.store.PostsForThread(ctx, item.ThreadID)
		if err != nil {
			return nil, err
		}
		seq, err := annotate.Materialize(item.ThreadID, posts)
		if err != nil {
			if errors.Is(err, annotate.ErrThreadNotFound) {
				outcome.Status = "skipped"
				outcome.Reason = "unknown thread"
				outcomes = append(outcomes, outcome)
				continue
			}
			return nil, err
		}

		exists, err := s.store.AssignmentExists(ctx, item.UserID, item.ThreadID, item.TaskID)
		if err != nil {
			return nil, err
		}
		if exists {
			outcome.Status = "skipped"
			outcome.Reason = "already assigned"
			outcomes = append(outcomes, outcome)
			continue
		}

		a := store.Assignment{
			ID:       util.NewID("assn"),
			UserID:   item.UserID,
			ThreadID: item.ThreadID,
			TaskID:   item.TaskID,
		}
		// A thread with no replies is born finished.
		if seq.Total() == 0 {
			a.Finished = true
		} else {
			a.NextPostID = seq.Replies[0].ID
		}
		if err := s.store.CreateAssignment(ctx, a); err != nil {
			return nil, err
		}

		s.notifyAssignment(user, seq.Root.Title, task.Name)

		outcome.Status = "created"
		outcome.AssignmentID = a.ID
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (s *Service) notifyAssignment(user store.User, threadTitle, taskName string) {
	if s.mail == nil || !s.mail.IsConfigured() || user.Email == "" {
		return
	}
	go func() {
		if err := s.mail.SendAssignmentNotification(user.Email, user.DisplayName, threadTitle, taskName, s.cfg.AppURL); err != nil {
			log.Printf("assignment notification to %s failed: %v", user.Username, err)
		}
	}()
}

// ListMyAssignments returns the session user's assignments with progress.
func (s *Service) ListMyAssignments(ctx context.Context, session Session) ([]map[string]any, error) {
	assignments, err := s.store.ListAssignmentsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(assignments))
	for _, a := range assignments {
		item, err := s.assignmentPayload(ctx, a)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// ListAssignmentsForThreadTask is the admin's progress view over every
// annotator working a (thread, task) pair.
func (s *Service) ListAssignmentsForThreadTask(ctx context.Context, threadID, taskID string) ([]map[string]any, error) {
	assignments, err := s.store.ListAssignmentsForThreadTask(ctx, threadID, taskID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(assignments))
	for _, a := range assignments {
		item, err := s.assignmentPayload(ctx, a)
		if err != nil {
			return nil, err
		}
		if user, err := s.store.GetUserByID(ctx, a.UserID); err == nil {
			item["username"] = user.Username
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) assignmentPayload(ctx context.Context, a store.Assignment) (map[string]any, error) {
	item := map[string]any{
		"id":       a.ID,
		"threadId": a.ThreadID,
		"taskId":   a.TaskID,
		"userId":   a.UserID,
		"done":     a.Done,
		"total":    0,
		"finished": a.Finished,
	}

	posts, err := s.store.PostsForThread(ctx, a.ThreadID)
	if err != nil {
		return nil, err
	}
	seq, err := annotate.Materialize(a.ThreadID, posts)
	if err != nil {
		// A broken thread must not hide the whole assignment list.
		item["threadError"] = err.Error()
		return item, nil
	}
	item["total"] = seq.Total()
	item["threadTitle"] = seq.Root.Title
	return item, nil
}

// Annotation

// requireAssignment loads the assignment and enforces that only its owner
// works it; admins may read via the review surfaces instead.
func (s *Service) requireAssignment(ctx context.Context, session Session, assignmentID string) (store.Assignment, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Assignment{}, annotate.ErrAssignmentNotFound
		}
		return store.Assignment{}, err
	}
	if a.UserID != session.UserID {
		return store.Assignment{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return a, nil
}

// AnnotationView assembles the annotation screen: the context window at the
// cursor, the task definition, progress, and any prior code for the post.
func (s *Service) AnnotationView(ctx context.Context, session Session, assignmentID string) (map[string]any, error) {
	a, err := s.requireAssignment(ctx, session, assignmentID)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return nil, err
	}

	// A thread with no replies has no cursor post to show.
	if a.Finished && a.NextPostID == "" {
		return map[string]any{
			"assignmentId": a.ID,
			"threadId":     a.ThreadID,
			"task":         taskPayload(task),
			"done":         a.Done,
			"total":        0,
			"finished":     true,
		}, nil
	}

	view, err := s.engine.Window(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"assignmentId": a.ID,
		"threadId":     a.ThreadID,
		"task":         taskPayload(task),
		"ancestors":    postPayloads(view.Window.Ancestors),
		"context":      postPayloads(view.Window.Context),
		"post":         postPayload(view.Window.Next),
		"done":         view.Done,
		"total":        view.Total,
		"finished":     view.Finished,
	}

	if code, err := s.store.GetCode(ctx, a.ID, view.Window.Next.ID); err == nil && code != nil {
		payload["priorCode"] = map[string]any{
			"values":  code.Values,
			"targets": code.Targets,
			"comment": code.Comment,
		}
	}
	return payload, nil
}

// Step messages shown by the annotation client, matching its flash lines.
var stepMessages = map[annotate.StepResult]string{
	annotate.StepAdvanced: "",
	annotate.StepAtStart:  "Earliest post.",
	annotate.StepFinished: "Last post. This thread is finished!",
}

// Advance steps the assignment cursor. Backward steps require the task to
// allow navigation.
func (s *Service) Advance(ctx context.Context, session Session, assignmentID string, direction int) (map[string]any, error) {
	a, err := s.requireAssignment(ctx, session, assignmentID)
	if err != nil {
		return nil, err
	}
	if direction < 0 {
		task, err := s.store.GetTask(ctx, a.TaskID)
		if err != nil {
			return nil, err
		}
		if !task.AllowNavigation {
			return nil, domainError(http.StatusUnprocessableEntity, "NAVIGATION_DISABLED", "This task does not allow moving backward", nil)
		}
	}

	result, err := s.engine.Advance(ctx, assignmentID, direction)
	if err != nil {
		return nil, err
	}

	done, total, finished, err := s.engine.Progress(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"step":     string(result),
		"message":  stepMessages[result],
		"done":     done,
		"total":    total,
		"finished": finished,
	}, nil
}

// SubmitCode records a code for the post the cursor points at. Validation
// outcomes are returned as signals and short-circuit before any write.
func (s *Service) SubmitCode(ctx context.Context, session Session, assignmentID string, input SubmitCodeInput) (SubmitResult, error) {
	a, err := s.requireAssignment(ctx, session, assignmentID)
	if err != nil {
		return SubmitResult{}, err
	}
	if a.Finished {
		return SubmitResult{}, domainError(http.StatusConflict, "THREAD_FINISHED", "This thread is finished", nil)
	}
	task, err := s.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return SubmitResult{}, err
	}

	postID := input.PostID
	if postID == "" {
		postID = a.NextPostID
	}
	if postID != a.NextPostID {
		return SubmitResult{}, domainError(http.StatusConflict, "CURSOR_MOVED", "The assignment cursor is no longer at this post", nil)
	}

	if len(input.Values) == 0 {
		return SubmitResult{Status: SubmitMissingCode, Message: "Submit a code for this post."}, nil
	}
	if task.Display == "reply_mapping" && len(input.Targets) == 0 {
		return SubmitResult{Status: SubmitMissingTargets, Message: "Select the posts this reply responds to."}, nil
	}
	if err := s.validateCodeInput(ctx, a, task, input); err != nil {
		return SubmitResult{}, err
	}

	replace := task.ResubmitPolicy == "replace"
	if !replace {
		existing, err := s.store.GetCode(ctx, a.ID, postID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return SubmitResult{}, err
		}
		if existing != nil {
			return SubmitResult{Status: SubmitAlreadyCoded, Message: "This post is already coded."}, nil
		}
	}

	comment := input.Comment
	if !task.AllowComments {
		comment = ""
	}

	code := store.Code{
		ID:           util.NewID("code"),
		AssignmentID: a.ID,
		UserID:       session.UserID,
		PostID:       postID,
		Values:       input.Values,
		Targets:      input.Targets,
		Comment:      comment,
	}
	if err := s.store.SaveCode(ctx, code, replace); err != nil {
		if errors.Is(err, store.ErrAlreadyCoded) {
			return SubmitResult{Status: SubmitAlreadyCoded, Message: "This post is already coded."}, nil
		}
		return SubmitResult{}, err
	}

	result := SubmitResult{Status: SubmitSaved}
	if input.Advance {
		step, err := s.engine.Advance(ctx, assignmentID, 1)
		if err != nil {
			return SubmitResult{}, err
		}
		result.Step = string(step)
		result.Message = stepMessages[step]
	}
	return result, nil
}

// validateCodeInput checks choice values against the task's options and
// reply-mapping targets against the thread's posts.
func (s *Service) validateCodeInput(ctx context.Context, a store.Assignment, task store.Task, input SubmitCodeInput) error {
	if task.Display == "choice" && len(task.Options) > 0 {
		allowed := make(map[string]struct{}, len(task.Options))
		for _, opt := range task.Options {
			allowed[opt.Value] = struct{}{}
		}
		for _, v := range input.Values {
			if _, ok := allowed[v]; !ok {
				return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("%q is not an option of this task", v), nil)
			}
		}
	}

	if len(input.Targets) > 0 {
		posts, err := s.store.PostsForThread(ctx, a.ThreadID)
		if err != nil {
			return err
		}
		inThread := make(map[string]struct{}, len(posts))
		for _, p := range posts {
			inThread[p.ID] = struct{}{}
		}
		for _, target := range input.Targets {
			if _, ok := inThread[target]; !ok {
				return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("target %q is not a post of this thread", target), nil)
			}
		}
	}
	return nil
}

// Diagnostics

func (s *Service) AgreementReport(ctx context.Context, threadID, taskID string) (map[string]any, error) {
	report, err := s.diag.Report(ctx, threadID, taskID)
	if err != nil {
		return nil, err
	}
	disagreements, err := s.diag.Disagreements(ctx, threadID, taskID)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(report.Users))
	for _, id := range report.Users {
		names[id] = id
		if user, err := s.store.GetUserByID(ctx, id); err == nil {
			names[id] = user.Username
		}
	}

	pairs := make([]map[string]any, 0, len(report.Pairs))
	for _, p := range report.Pairs {
		pairs = append(pairs, map[string]any{
			"userA":            names[p.UserA],
			"userB":            names[p.UserB],
			"sharedPosts":      p.SharedPosts,
			"agreements":       p.Agreements,
			"percentAgreement": p.PercentAgreement,
			"kappa":            p.Kappa,
		})
	}

	disputed := make([]map[string]any, 0, len(disagreements))
	for _, d := range disagreements {
		labels := make(map[string]string, len(d.Labels))
		for userID, label := range d.Labels {
			name, ok := names[userID]
			if !ok {
				name = userID
			}
			labels[name] = label
		}
		disputed = append(disputed, map[string]any{
			"postId": d.PostID,
			"labels": labels,
		})
	}

	return map[string]any{
		"threadId":      threadID,
		"taskId":        taskID,
		"pairs":         pairs,
		"disagreements": disputed,
	}, nil
}

// ResolveTieBreak records a manual resolution; the post disappears from
// disagreement listings afterwards.
func (s *Service) ResolveTieBreak(ctx context.Context, session Session, input TieBreakInput) (map[string]any, error) {
	if input.ThreadID == "" || input.TaskID == "" || input.PostID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "threadId, taskId, and postId are required", nil)
	}
	if strings.TrimSpace(input.ResolvedValue) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "resolvedValue is required", nil)
	}

	post, err := s.store.GetPost(ctx, input.PostID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Post not found", nil)
		}
		return nil, err
	}
	if post.ThreadID != input.ThreadID && post.ID != input.ThreadID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "post does not belong to the thread", nil)
	}

	tb := store.TieBreak{
		ID:            util.NewID("tb"),
		ThreadID:      input.ThreadID,
		TaskID:        input.TaskID,
		PostID:        input.PostID,
		ResolvedValue: strings.TrimSpace(input.ResolvedValue),
		ResolvedBy:    session.UserID,
		Note:          strings.TrimSpace(input.Note),
	}
	if err := s.store.InsertTieBreak(ctx, tb); err != nil {
		return nil, err
	}
	return map[string]any{
		"id":            tb.ID,
		"postId":        tb.PostID,
		"resolvedValue": tb.ResolvedValue,
	}, nil
}

// Exports

func (s *Service) ExportCodes(ctx context.Context, taskID string) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	return s.exporter.CodesCSV(ctx, taskID)
}

func (s *Service) ExportAgreement(ctx context.Context, threadID, taskID string, format export.Format) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	return s.exporter.AgreementReport(ctx, threadID, taskID, format)
}

func postPayload(p store.Post) map[string]any {
	author := p.Author
	if p.Anonymous {
		author = "anonymous"
	}
	payload := map[string]any{
		"id":        p.ID,
		"level":     p.Level,
		"author":    author,
		"title":     p.Title,
		"body":      p.Body,
		"createdAt": p.CreatedAt,
	}
	if p.ParentPostID != nil {
		payload["parentPostId"] = *p.ParentPostID
	}
	return payload
}

func postPayloads(posts []store.Post) []map[string]any {
	items := make([]map[string]any, 0, len(posts))
	for _, p := range posts {
		items = append(items, postPayload(p))
	}
	return items
}
