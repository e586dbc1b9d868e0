package agreement

import (
	"context"
	"testing"
	"time"

	"annotator/api/internal/store"
)

var baseTime = time.Date(2016, 7, 19, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	posts     []store.Post
	codes     []store.Code
	tiebreaks []store.TieBreak
}

func (f *fakeStore) PostsForThread(ctx context.Context, threadID string) ([]store.Post, error) {
	return f.posts, nil
}

func (f *fakeStore) CodesForThreadTask(ctx context.Context, threadID, taskID string) ([]store.Code, error) {
	return f.codes, nil
}

func (f *fakeStore) ListTieBreaks(ctx context.Context, threadID, taskID string) ([]store.TieBreak, error) {
	return f.tiebreaks, nil
}

func post(id, threadID string, level int, parent string, minute int) store.Post {
	p := store.Post{
		ID:        id,
		ThreadID:  threadID,
		Level:     level,
		Author:    "author-" + id,
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

func code(userID, postID string, values ...string) store.Code {
	return store.Code{
		ID:     "c-" + userID + "-" + postID,
		UserID: userID,
		PostID: postID,
		Values: values,
	}
}

// Thread t1: root, two main replies m1/m2, with one sub reply s1 under m1.
// Reading order of replies: m1, s1, m2.
func fixtureStore() *fakeStore {
	return &fakeStore{
		posts: []store.Post{
			post("t1", "t1", 1, "", 0),
			post("m1", "t1", 2, "", 10),
			post("s1", "t1", 3, "m1", 11),
			post("m2", "t1", 2, "", 20),
		},
	}
}

func TestLabelCanonicalizesValueSets(t *testing.T) {
	if Label([]string{"b", "a"}) != Label([]string{"a", "b"}) {
		t.Error("label should be order independent")
	}
	if Label([]string{"a"}) == Label([]string{"a", "b"}) {
		t.Error("distinct value sets should yield distinct labels")
	}
}

func TestReportPerfectAgreement(t *testing.T) {
	fs := fixtureStore()
	fs.codes = []store.Code{
		code("u1", "m1", "pro"),
		code("u1", "s1", "con"),
		code("u1", "m2", "pro"),
		code("u2", "m1", "pro"),
		code("u2", "s1", "con"),
		code("u2", "m2", "pro"),
	}

	report, err := NewService(fs).Report(context.Background(), "t1", "task1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report.Pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(report.Pairs))
	}
	p := report.Pairs[0]
	if p.UserA != "u1" || p.UserB != "u2" {
		t.Errorf("pair = (%s, %s), want (u1, u2)", p.UserA, p.UserB)
	}
	if p.SharedPosts != 3 || p.Agreements != 3 {
		t.Errorf("shared=%d agreements=%d, want 3/3", p.SharedPosts, p.Agreements)
	}
	if p.PercentAgreement != 1 {
		t.Errorf("percent agreement = %v, want 1", p.PercentAgreement)
	}
	if p.Kappa != 1 {
		t.Errorf("kappa = %v, want 1", p.Kappa)
	}
}

func TestReportPartialAgreement(t *testing.T) {
	fs := fixtureStore()
	// u1 and u2 share m1 and s1; they agree on m1 only. m2 is coded by u1
	// alone and must not count toward the pair.
	fs.codes = []store.Code{
		code("u1", "m1", "pro"),
		code("u1", "s1", "pro"),
		code("u1", "m2", "con"),
		code("u2", "m1", "pro"),
		code("u2", "s1", "con"),
	}

	report, err := NewService(fs).Report(context.Background(), "t1", "task1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	p := report.Pairs[0]
	if p.SharedPosts != 2 || p.Agreements != 1 {
		t.Errorf("shared=%d agreements=%d, want 2/1", p.SharedPosts, p.Agreements)
	}
	if p.PercentAgreement != 0.5 {
		t.Errorf("percent agreement = %v, want 0.5", p.PercentAgreement)
	}
	// po=0.5, pe = (2/2 * 1/2) + (0 * 1/2) = 0.5 -> kappa = 0.
	if p.Kappa != 0 {
		t.Errorf("kappa = %v, want 0", p.Kappa)
	}
}

func TestReportDegenerateSingleCategory(t *testing.T) {
	fs := fixtureStore()
	fs.codes = []store.Code{
		code("u1", "m1", "pro"),
		code("u1", "m2", "pro"),
		code("u2", "m1", "pro"),
		code("u2", "m2", "pro"),
	}

	report, err := NewService(fs).Report(context.Background(), "t1", "task1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	p := report.Pairs[0]
	if p.PercentAgreement != 1 || p.Kappa != 1 {
		t.Errorf("degenerate perfect agreement: percent=%v kappa=%v, want 1/1", p.PercentAgreement, p.Kappa)
	}
}

func TestDisagreementsInReadingOrder(t *testing.T) {
	fs := fixtureStore()
	fs.codes = []store.Code{
		code("u1", "m1", "pro"),
		code("u1", "s1", "pro"),
		code("u1", "m2", "pro"),
		code("u2", "m1", "con"),
		code("u2", "s1", "pro"),
		code("u2", "m2", "con"),
	}

	items, err := NewService(fs).Disagreements(context.Background(), "t1", "task1")
	if err != nil {
		t.Fatalf("disagreements: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("disagreements = %d, want 2", len(items))
	}
	if items[0].PostID != "m1" || items[1].PostID != "m2" {
		t.Errorf("order = [%s %s], want [m1 m2]", items[0].PostID, items[1].PostID)
	}
	if items[0].Labels["u1"] != "pro" || items[0].Labels["u2"] != "con" {
		t.Errorf("labels on m1 = %v", items[0].Labels)
	}
}

func TestDisagreementsSkipResolvedPosts(t *testing.T) {
	fs := fixtureStore()
	fs.codes = []store.Code{
		code("u1", "m1", "pro"),
		code("u2", "m1", "con"),
		code("u1", "m2", "pro"),
		code("u2", "m2", "con"),
	}
	fs.tiebreaks = []store.TieBreak{
		{ID: "tb1", ThreadID: "t1", TaskID: "task1", PostID: "m1", ResolvedValue: "pro"},
	}

	items, err := NewService(fs).Disagreements(context.Background(), "t1", "task1")
	if err != nil {
		t.Fatalf("disagreements: %v", err)
	}
	if len(items) != 1 || items[0].PostID != "m2" {
		t.Fatalf("disagreements = %+v, want only m2", items)
	}
}

func TestDisagreementsMultiValueSets(t *testing.T) {
	fs := fixtureStore()
	// Same values in different order are not a disagreement.
	fs.codes = []store.Code{
		code("u1", "m1", "pro", "meta"),
		code("u2", "m1", "meta", "pro"),
	}

	items, err := NewService(fs).Disagreements(context.Background(), "t1", "task1")
	if err != nil {
		t.Fatalf("disagreements: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("disagreements = %+v, want none", items)
	}
}

func TestOrderedCodesFollowsReadingOrder(t *testing.T) {
	fs := fixtureStore()
	fs.codes = []store.Code{
		code("u1", "m2", "pro"),
		code("u1", "m1", "con"),
		code("u2", "s1", "pro"),
	}

	ordered, err := NewService(fs).OrderedCodes(context.Background(), "t1", "task1", "u1")
	if err != nil {
		t.Fatalf("ordered codes: %v", err)
	}
	if len(ordered) != 2 {
		t.Fatalf("codes = %d, want 2", len(ordered))
	}
	if ordered[0].PostID != "m1" || ordered[1].PostID != "m2" {
		t.Errorf("order = [%s %s], want [m1 m2]", ordered[0].PostID, ordered[1].PostID)
	}
}
