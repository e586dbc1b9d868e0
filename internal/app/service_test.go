package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"annotator/api/internal/agreement"
	"annotator/api/internal/annotate"
	"annotator/api/internal/config"
	"annotator/api/internal/rbac"
	"annotator/api/internal/store"
)

var baseTime = time.Date(2016, 7, 19, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	users      map[string]store.User // by id
	byUsername map[string]store.User
	posts      []store.Post
	tasks      map[string]store.Task
	assignment *store.Assignment
	codes      map[string]*store.Code // by assignmentID+postID
	tiebreaks  []store.TieBreak

	createdUsers       []store.User
	createdAssignments []store.Assignment
	savedCodes         []store.Code
	savedReplace       []bool
	revokedJTIs        map[string]bool

	assignmentExistsFn func(context.Context, string, string, string) (bool, error)
	codesForThreadFn   func(context.Context, string, string) ([]store.Code, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[string]store.User{},
		byUsername:  map[string]store.User{},
		tasks:       map[string]store.Task{},
		codes:       map[string]*store.Code{},
		revokedJTIs: map[string]bool{},
	}
}

func (f *fakeStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	if u, ok := f.byUsername[username]; ok {
		return u, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(ctx context.Context, u store.User) error {
	f.users[u.ID] = u
	f.byUsername[u.Username] = u
	f.createdUsers = append(f.createdUsers, u)
	return nil
}

func (f *fakeStore) ListUsers(ctx context.Context) ([]store.User, error) {
	items := make([]store.User, 0, len(f.users))
	for _, u := range f.users {
		items = append(items, u)
	}
	return items, nil
}

func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error {
	return nil
}

func (f *fakeStore) LookupRefreshSession(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeRefreshSession(context.Context, string) error { return nil }

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	f.revokedJTIs[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	return f.revokedJTIs[jti], nil
}

func (f *fakeStore) PostsForThread(ctx context.Context, threadID string) ([]store.Post, error) {
	matched := make([]store.Post, 0)
	for _, p := range f.posts {
		if p.ID == threadID || p.ThreadID == threadID {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

func (f *fakeStore) GetPost(ctx context.Context, postID string) (store.Post, error) {
	for _, p := range f.posts {
		if p.ID == postID {
			return p, nil
		}
	}
	return store.Post{}, sql.ErrNoRows
}

func (f *fakeStore) ListThreads(ctx context.Context) ([]store.ThreadSummary, error) {
	items := make([]store.ThreadSummary, 0)
	for _, p := range f.posts {
		if p.Level == 1 {
			items = append(items, store.ThreadSummary{
				ThreadID:     p.ID,
				Title:        p.Title,
				FirstPostID:  p.ID,
				CommentCount: p.CommentCount,
			})
		}
	}
	return items, nil
}

func (f *fakeStore) InsertPosts(ctx context.Context, posts []store.Post) error {
	f.posts = append(f.posts, posts...)
	return nil
}

func (f *fakeStore) CreateTask(ctx context.Context, task store.Task) error {
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	if t, ok := f.tasks[taskID]; ok {
		return t, nil
	}
	return store.Task{}, sql.ErrNoRows
}

func (f *fakeStore) ListTasks(ctx context.Context) ([]store.Task, error) {
	items := make([]store.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		items = append(items, t)
	}
	return items, nil
}

func (f *fakeStore) CreateAssignment(ctx context.Context, a store.Assignment) error {
	f.createdAssignments = append(f.createdAssignments, a)
	if f.assignment == nil {
		f.assignment = &a
	}
	return nil
}

func (f *fakeStore) GetAssignment(ctx context.Context, assignmentID string) (store.Assignment, error) {
	if f.assignment != nil && f.assignment.ID == assignmentID {
		return *f.assignment, nil
	}
	return store.Assignment{}, sql.ErrNoRows
}

func (f *fakeStore) AssignmentExists(ctx context.Context, userID, threadID, taskID string) (bool, error) {
	if f.assignmentExistsFn != nil {
		return f.assignmentExistsFn(ctx, userID, threadID, taskID)
	}
	return false, nil
}

func (f *fakeStore) ListAssignmentsForUser(ctx context.Context, userID string) ([]store.Assignment, error) {
	if f.assignment != nil && f.assignment.UserID == userID {
		return []store.Assignment{*f.assignment}, nil
	}
	return nil, nil
}

func (f *fakeStore) ListAssignmentsForThreadTask(ctx context.Context, threadID, taskID string) ([]store.Assignment, error) {
	if f.assignment != nil && f.assignment.ThreadID == threadID && f.assignment.TaskID == taskID {
		return []store.Assignment{*f.assignment}, nil
	}
	return nil, nil
}

func (f *fakeStore) StepAssignment(ctx context.Context, assignmentID string, fn func(store.Assignment) (*store.Assignment, error)) error {
	if f.assignment == nil || f.assignment.ID != assignmentID {
		return sql.ErrNoRows
	}
	updated, err := fn(*f.assignment)
	if err != nil {
		return err
	}
	if updated != nil {
		*f.assignment = *updated
	}
	return nil
}

func (f *fakeStore) GetCode(ctx context.Context, assignmentID, postID string) (*store.Code, error) {
	if c, ok := f.codes[assignmentID+"/"+postID]; ok {
		copied := *c
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeStore) SaveCode(ctx context.Context, code store.Code, replace bool) error {
	key := code.AssignmentID + "/" + code.PostID
	if _, ok := f.codes[key]; ok && !replace {
		return store.ErrAlreadyCoded
	}
	f.codes[key] = &code
	f.savedCodes = append(f.savedCodes, code)
	f.savedReplace = append(f.savedReplace, replace)
	return nil
}

func (f *fakeStore) CodesForThreadTask(ctx context.Context, threadID, taskID string) ([]store.Code, error) {
	if f.codesForThreadFn != nil {
		return f.codesForThreadFn(ctx, threadID, taskID)
	}
	items := make([]store.Code, 0, len(f.codes))
	for _, c := range f.codes {
		items = append(items, *c)
	}
	return items, nil
}

func (f *fakeStore) InsertTieBreak(ctx context.Context, tb store.TieBreak) error {
	f.tiebreaks = append(f.tiebreaks, tb)
	return nil
}

func (f *fakeStore) ListTieBreaks(ctx context.Context, threadID, taskID string) ([]store.TieBreak, error) {
	return f.tiebreaks, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func newTestService(fs *fakeStore) *Service {
	cfg := config.Config{
		TokenSecret: "test-secret",
		AccessTTL:   15 * time.Minute,
		RefreshTTL:  24 * time.Hour,
	}
	return &Service{
		cfg:      cfg,
		store:    fs,
		sessions: pgSessions{store: fs},
		engine:   annotate.NewEngine(fs),
		diag:     agreement.NewService(fs),
	}
}

func post(id, threadID string, level int, parent string, minute int) store.Post {
	p := store.Post{
		ID:        id,
		ThreadID:  threadID,
		Level:     level,
		Author:    "author-" + id,
		Title:     "title of " + id,
		Body:      "body of " + id,
		CreatedAt: baseTime.Add(time.Duration(minute) * time.Minute),
	}
	if level == 1 {
		p.ThreadID = ""
	}
	if parent != "" {
		p.ParentPostID = &parent
	}
	return p
}

// seedThread installs the running example: root p1, main replies p2 and p4,
// nested reply p3 under p2. Reply order: p2, p3, p4.
func seedThread(fs *fakeStore) {
	fs.posts = []store.Post{
		post("p1", "p1", 1, "", 0),
		post("p2", "p1", 2, "", 10),
		post("p3", "p1", 3, "p2", 11),
		post("p4", "p1", 2, "", 20),
	}
}

func seedUser(fs *fakeStore, id, username, password string, superuser bool) store.User {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	user := store.User{
		ID:          id,
		Username:    username,
		DisplayName: username,
		PassHash:    string(hash),
		Superuser:   superuser,
	}
	fs.users[id] = user
	fs.byUsername[username] = user
	return user
}

func seedTask(fs *fakeStore, id, display, policy string, allowNav bool) store.Task {
	task := store.Task{
		ID:              id,
		Name:            "task " + id,
		Display:         display,
		AllowComments:   true,
		AllowNavigation: allowNav,
		ResubmitPolicy:  policy,
		Options: []store.TaskOption{
			{ID: "o1", TaskID: id, Position: 0, Value: "pro", Label: "Pro"},
			{ID: "o2", TaskID: id, Position: 1, Value: "con", Label: "Con"},
		},
	}
	fs.tasks[id] = task
	return task
}

func seedAssignment(fs *fakeStore, userID string) *store.Assignment {
	fs.assignment = &store.Assignment{
		ID:         "a1",
		UserID:     userID,
		ThreadID:   "p1",
		TaskID:     "t1",
		NextPostID: "p2",
		Done:       0,
	}
	return fs.assignment
}

func TestLoginIssuesSession(t *testing.T) {
	fs := newFakeStore()
	seedUser(fs, "u1", "alice", "correct horse", false)
	svc := newTestService(fs)

	session, err := svc.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Error("session should carry access and refresh tokens")
	}
	if session.Role != string(rbac.RoleAnnotator) {
		t.Errorf("role = %q, want annotator", session.Role)
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if parsed.UserID != "u1" || parsed.UserName != "alice" {
		t.Errorf("parsed session = %+v", parsed)
	}
}

func TestLoginAdminRole(t *testing.T) {
	fs := newFakeStore()
	seedUser(fs, "u9", "root", "correct horse", true)
	svc := newTestService(fs)

	session, err := svc.Login(context.Background(), "root", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.Role != string(rbac.RoleAdmin) {
		t.Errorf("role = %q, want admin", session.Role)
	}
	if !svc.Can(session, rbac.ActionManageUsers) {
		t.Error("admin should manage users")
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	fs := newFakeStore()
	seedUser(fs, "u1", "alice", "correct horse", false)
	svc := newTestService(fs)

	_, err := svc.Login(context.Background(), "alice", "wrong")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 401 {
		t.Fatalf("err = %v, want 401 DomainError", err)
	}

	if _, err := svc.Login(context.Background(), "nobody", "x"); !errors.As(err, &domainErr) {
		t.Fatalf("unknown user err = %v, want DomainError", err)
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	fs := newFakeStore()
	seedUser(fs, "u1", "alice", "correct horse", false)
	svc := newTestService(fs)

	session, err := svc.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := svc.Logout(context.Background(), session, session.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Error("token should be rejected after logout")
	}
}

func TestCreateUserValidation(t *testing.T) {
	fs := newFakeStore()
	seedUser(fs, "u1", "alice", "correct horse", false)
	svc := newTestService(fs)

	var domainErr *DomainError
	if _, err := svc.CreateUser(context.Background(), CreateUserInput{Username: "", Password: "longenough"}); !errors.As(err, &domainErr) {
		t.Error("empty username should fail validation")
	}
	if _, err := svc.CreateUser(context.Background(), CreateUserInput{Username: "bob", Password: "short"}); !errors.As(err, &domainErr) {
		t.Error("short password should fail validation")
	}
	if _, err := svc.CreateUser(context.Background(), CreateUserInput{Username: "alice", Password: "longenough"}); !errors.As(err, &domainErr) || domainErr.Status != 409 {
		t.Error("duplicate username should conflict")
	}

	created, err := svc.CreateUser(context.Background(), CreateUserInput{Username: "bob", Password: "longenough"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if created["username"] != "bob" || created["displayName"] != "bob" {
		t.Errorf("created = %v", created)
	}
	if len(fs.createdUsers) != 1 || fs.createdUsers[0].PassHash == "longenough" {
		t.Error("password must be stored hashed")
	}
}

func TestCreateTaskDefaultsAndValidation(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()

	var domainErr *DomainError
	if _, err := svc.CreateTask(ctx, CreateTaskInput{}); !errors.As(err, &domainErr) {
		t.Error("missing name should fail")
	}
	if _, err := svc.CreateTask(ctx, CreateTaskInput{Name: "x", Display: "grid"}); !errors.As(err, &domainErr) {
		t.Error("unknown display should fail")
	}
	if _, err := svc.CreateTask(ctx, CreateTaskInput{Name: "x", Display: "choice"}); !errors.As(err, &domainErr) {
		t.Error("choice task without options should fail")
	}

	created, err := svc.CreateTask(ctx, CreateTaskInput{
		Name:    "Argument quality",
		Display: "choice",
		Options: []TaskOptionInput{{Value: "pro"}, {Value: "con", Label: "Contra"}},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if created["resubmitPolicy"] != "replace" {
		t.Errorf("default resubmit policy = %v, want replace", created["resubmitPolicy"])
	}
	options := created["options"].([]map[string]any)
	if options[0]["label"] != "pro" || options[1]["label"] != "Contra" {
		t.Errorf("options = %v", options)
	}
}

func TestCreateAssignmentsSetsInitialCursor(t *testing.T) {
	fs := newFakeStore()
	seedThread(fs)
	seedUser(fs, "u1", "alice", "correct horse", false)
	seedTask(fs, "t1", "choice", "replace", true)
	svc := newTestService(fs)

	outcomes, err := svc.CreateAssignments(context.Background(), []AssignmentInput{
		{ThreadID: "p1", UserID: "u1", TaskID: "t1"},
	})
	if err != nil {
		t.Fatalf("create assignments: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != "created" {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if len(fs.createdAssignments) != 1 {
		t.Fatalf("created = %d", len(fs.createdAssignments))
	}
	a := fs.createdAssignments[0]
	if a.NextPostID != "p2" || a.Done != 0 || a.Finished {
		t.Errorf("initial cursor = %+v, want next=p2 done=0", a)
	}
}

func TestCreateAssignmentsSkips(t *testing.T) {
	fs := newFakeStore()
	seedThread(fs)
	seedUser(fs, "u1", "alice", "correct horse", false)
	seedTask(fs, "t1", "choice", "replace", true)
	fs.assignmentExistsFn = func(context.Context, string, string, string) (bool, error) {
		return true, nil
	}
	svc := newTestService(fs)

	outcomes, err := svc.CreateAssignments(context.Background(), []AssignmentInput{
		{ThreadID: "p1", UserID: "u1", TaskID: "t1"},
		{ThreadID: "p1", UserID: "ghost", TaskID: "t1"},
		{ThreadID: "missing", UserID: "u1", TaskID: "t1"},
	})
	if err != nil {
		t.Fatalf("create assignments: %v", err)
	}
	wantReasons := []string{"already assigned", "unknown user", "unknown thread"}
	for i, outcome := range outcomes {
		if outcome.Status != "skipped" || outcome.Reason != wantReasons[i] {
			t.Errorf("outcome[%d] = %+v, want skipped (%s)", i, outcome, wantReasons[i])
		}
	}
	if len(fs.createdAssignments) != 0 {
		t.Errorf("created = %d, want none", len(fs.createdAssignments))
	}
}

func TestAnnotationViewOwnershipAndShape(t *testing.T) {
	fs := newFakeStore()
	seedThread(fs)
	alice := seedUser(fs, "u1", "alice", "correct horse", false)
	seedTask(fs, "t1", "choice", "replace", true)
	seedAssignment(fs, alice.ID)
	svc := newTestService(fs)
	ctx := context.Background()

	view, err := svc.AnnotationView(ctx, Session{UserID: "u1"}, "a1")
	if err != nil {
		t.Fatalf("annotation view: %v", err)
	}
	postItem := view["post"].(map[string]any)
	if postItem["id"] != "p2" {
		t.Errorf("post = %v, want p2", postItem["id"])
	}
	if view["done"] != 0 || view["total"] != 3 {
		t.Errorf("progress = %v/%v, want 0/3", view["done"], view["total"])
	}

	var domainErr *DomainError
	if _, err := svc.AnnotationView(ctx, Session{UserID: "intruder"}, "a1"); !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("foreign assignment err = %v, want 403", err)
	}
	if _, err := svc.AnnotationView(ctx, Session{UserID: "u1"}, "nope"); !errors.Is(err, annotate.ErrAssignmentNotFound) {
		t.Fatalf("missing assignment err = %v", err)
	}
}

func TestAdvanceThroughThread(t *testing.T) {
	fs := newFakeStore()
	seedThread(fs)
	alice := seedUser(fs, "u1", "alice", "correct horse", false)
	seedTask(fs, "t1", "choice", "replace", true)
	seedAssignment(fs, alice.ID)
	svc := newTestService(fs)
	ctx := context.Background()
	session := Session{UserID: "u1"}

	result, err := svc.Advance(ctx, session, "a1", 1)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if result["step"] != "advanced" || result["done"] != 1 {
		t.Errorf("result = %v", result)
	}
	if fs.assignment.NextPostID != "p3" {
		t.Errorf("cursor = %s, want p3", fs.assignment.NextPostID)
	}

	if _, err := svc.Advance(ctx, session, "a1", 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	result, err = svc.Advance(ctx, session, "a1", 1)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if result["step"] != "finished" || result["finished"] != true {
		t.Errorf("final step = %v", result)
	}
	if result["message"] != "Last post. This thread is finished!" {
		t.Errorf("message = %v", result["message"])
	}
}

func TestAdvanceBackwardNeedsNavigation(t *testing.T) {
	fs := newFakeStore()
	seedThread(fs)
	alice := seedUser(fs, "u1", "alice", "correct horse", false)
	seedTask(fs, "t1", "choice", "replace", false)
	seedAssignment(fs, alice.ID)
	fs.assignment.NextPostID = "p3"
	fs.assignment.Done = 1
	svc := newTestService(fs)

	_, err := svc.Advance(context.Background(), Session{UserID: "u1"}, "a1", -1)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "NAVIGATION_DISABLED" {
		t.Fatalf("err = %v, want NAVIGATION_DISABLED", err)
	}
}

func TestSubmitCodeSignals(t *testing.T) {
	fs := newFakeStore()
	seedThread(fs)
	alice := seedUser(fs, "u1", "alice", "correct horse", false)
	seedTask(fs, "t1", "choice", "reject", true)
	seedAssignment(fs, alice.ID)
	svc := newTestService(fs)
	ctx := context.Background()
	session := Session{UserID: "u1"}

	result, err := svc.SubmitCode(ctx, session, "a1", SubmitCodeInput{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != SubmitMissingCode || result.Message != "Submit a code for this post." {
		t.Errorf("result = %+v", result)
	}

	result, err = svc.SubmitCode(ctx, session, "a1", SubmitCodeInput{Values: []string{"pro"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != SubmitSaved {
		t.Fatalf("result = %+v, want saved", result)
	}

	// Reject policy: the second submission signals instead of writing.
	result, err = svc.SubmitCode(ctx, session, "a1", SubmitCodeInput{Values: []string{"con"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != SubmitAlreadyCoded {
		t.Errorf("result = %+v, want already_coded", result)
	}
	if len(fs.savedCodes) != 1 {
		t.Errorf("saved = %d, want 1", len(fs.savedCodes))
	}
}

func TestSubmitCodeReplacePolicy(t *testing.T) {
	fs := newFakeStore()
	seedThread(fs)
	alice := seedUser(fs, "u1", "alice", "correct horse", false)
	seedTask(fs, "t1", "choice", "replace", true)
	seedAssignment(fs, alice.ID)
	svc := newTestService(fs)
	ctx := context.Background()
	session := Session{UserID: "u1"}

	for _, value := range []string{"pro", "con"} {
		result, err := svc.SubmitCode(ctx, session, "a1", SubmitCodeInput{Values: []string{value}})
		if err != nil {
			t.Fatalf("submit %s: %v", value, err)
		}
		if result.Status != SubmitSaved {
			t.Fatalf("result = %+v, want saved", result)
		}
	}
	if len(fs.savedCodes) != 2 || !fs.savedReplace[1] {
		t.Errorf("second save must request replacement, saves=%d", len(fs.savedCodes))
	}
	if got := fs.codes["a1/p2"].Values[0]; got != "con" {
		t.Errorf("current code = %s, want con", got)
	}
}

func TestSubmitCodeReplyMappingNeedsTargets(t *testing.T) {
	fs := newFakeStore()
	seedThread(fs)
	alice := seedUser(fs, "u1", "alice", "correct horse", false)
	task := seedTask(fs, "t1", "reply_mapping", "replace", true)
	task.Options = nil
	fs.tasks["t1"] = task
	seedAssignment(fs, alice.ID)
	fs.assignment.NextPostID = "p3"
	fs.assignment.Done = 1
	svc := newTestService(fs)
	ctx := context.Background()
	session := Session{UserID: "u1"}

	result, err := svc.SubmitCode(ctx, session, "a1", SubmitCodeInput{Values: []string{"responds_to"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != SubmitMissingTargets {
		t.Errorf("result = %+v, want missing_targets", result)
	}

	result, err = svc.SubmitCode(ctx, session, "a1", SubmitCodeInput{
		Values:  []string{"responds_to"},
		Targets: []string{"p2"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != SubmitSaved {
		t.Errorf("result = %+v, want saved", result)
	}

	_, err = svc.SubmitCode(ctx, session, "a1", SubmitCodeInput{
		Values:  []string{"responds_to"},
		Targets: []string{"other-thread-post"},
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("foreign target err = %v, want 422", err)
	}
}

func TestSubmitCodeRejectsUnknownOption(t *testing.T) {
	fs := newFakeStore()
	seedThread(fs)
	alice := seedUser(fs, "u1", "alice", "correct horse", false)
	seedTask(fs, "t1", "choice", "replace", true)
	seedAssignment(fs, alice.ID)
	svc := newTestService(fs)

	_, err := svc.SubmitCode(context.Background(), Session{UserID: "u1"}, "a1", SubmitCodeInput{Values: []string{"maybe"}})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("err = %v, want 422", err)
	}
}

func TestSubmitCodeWithAdvance(t *testing.T) {
	fs := newFakeStore()
	seedThread(fs)
	alice := seedUser(fs, "u1", "alice", "correct horse", false)
	seedTask(fs, "t1", "choice", "replace", true)
	seedAssignment(fs, alice.ID)
	svc := newTestService(fs)

	result, err := svc.SubmitCode(context.Background(), Session{UserID: "u1"}, "a1", SubmitCodeInput{
		Values:  []string{"pro"},
		Advance: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != SubmitSaved || result.Step != "advanced" {
		t.Errorf("result = %+v", result)
	}
	if fs.assignment.NextPostID != "p3" {
		t.Errorf("cursor = %s, want p3", fs.assignment.NextPostID)
	}
}

func TestAgreementReportResolvesUsernames(t *testing.T) {
	fs := newFakeStore()
	seedThread(fs)
	seedUser(fs, "u1", "alice", "correct horse", false)
	seedUser(fs, "u2", "bob", "correct horse", false)
	fs.codesForThreadFn = func(context.Context, string, string) ([]store.Code, error) {
		return []store.Code{
			{ID: "c1", UserID: "u1", PostID: "p2", Values: []string{"pro"}},
			{ID: "c2", UserID: "u2", PostID: "p2", Values: []string{"con"}},
		}, nil
	}
	svc := newTestService(fs)

	report, err := svc.AgreementReport(context.Background(), "p1", "t1")
	if err != nil {
		t.Fatalf("agreement report: %v", err)
	}
	pairs := report["pairs"].([]map[string]any)
	if len(pairs) != 1 || pairs[0]["userA"] != "alice" || pairs[0]["userB"] != "bob" {
		t.Errorf("pairs = %v", pairs)
	}
	disputed := report["disagreements"].([]map[string]any)
	if len(disputed) != 1 || disputed[0]["postId"] != "p2" {
		t.Errorf("disagreements = %v", disputed)
	}
}

func TestResolveTieBreak(t *testing.T) {
	fs := newFakeStore()
	seedThread(fs)
	svc := newTestService(fs)
	ctx := context.Background()
	session := Session{UserID: "admin1"}

	var domainErr *DomainError
	if _, err := svc.ResolveTieBreak(ctx, session, TieBreakInput{ThreadID: "p1", TaskID: "t1"}); !errors.As(err, &domainErr) {
		t.Error("missing post id should fail validation")
	}

	item, err := svc.ResolveTieBreak(ctx, session, TieBreakInput{
		ThreadID:      "p1",
		TaskID:        "t1",
		PostID:        "p2",
		ResolvedValue: "pro",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if item["resolvedValue"] != "pro" {
		t.Errorf("item = %v", item)
	}
	if len(fs.tiebreaks) != 1 || fs.tiebreaks[0].ResolvedBy != "admin1" {
		t.Errorf("tiebreaks = %+v", fs.tiebreaks)
	}

	if _, err := svc.ResolveTieBreak(ctx, session, TieBreakInput{
		ThreadID: "p1", TaskID: "t1", PostID: "ghost", ResolvedValue: "pro",
	}); !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("unknown post err = %v, want 404", err)
	}
}

func TestListMyAssignmentsProgress(t *testing.T) {
	fs := newFakeStore()
	seedThread(fs)
	alice := seedUser(fs, "u1", "alice", "correct horse", false)
	seedAssignment(fs, alice.ID)
	fs.assignment.Done = 1
	fs.assignment.NextPostID = "p3"
	svc := newTestService(fs)

	items, err := svc.ListMyAssignments(context.Background(), Session{UserID: "u1"})
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0]["done"] != 1 || items[0]["total"] != 3 || items[0]["finished"] != false {
		t.Errorf("item = %v", items[0])
	}
	if items[0]["threadTitle"] != "title of p1" {
		t.Errorf("thread title = %v", items[0]["threadTitle"])
	}
}

func TestListMyAssignmentsBrokenThread(t *testing.T) {
	fs := newFakeStore()
	alice := seedUser(fs, "u1", "alice", "correct horse", false)
	seedAssignment(fs, alice.ID)
	fs.assignment.ThreadID = "gone"
	fs.assignment.Done = 2
	svc := newTestService(fs)

	items, err := svc.ListMyAssignments(context.Background(), Session{UserID: "u1"})
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if _, ok := items[0]["threadError"]; !ok {
		t.Error("broken thread should surface threadError")
	}
	// a broken thread must not fake a denominator equal to done
	if items[0]["total"] != 0 {
		t.Errorf("total = %v, want 0", items[0]["total"])
	}
}
