// Package agreement computes inter-annotator agreement diagnostics for a
// (thread, task) pair: pairwise percent agreement, Cohen's kappa, and
// disagreement listings in thread reading order.
package agreement

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"annotator/api/internal/annotate"
	"annotator/api/internal/store"
)

// Store is the subset of persistence the diagnostics need.
type Store interface {
	PostsForThread(ctx context.Context, threadID string) ([]store.Post, error)
	CodesForThreadTask(ctx context.Context, threadID, taskID string) ([]store.Code, error)
	ListTieBreaks(ctx context.Context, threadID, taskID string) ([]store.TieBreak, error)
}

// PairScore is the agreement between one pair of annotators over the posts
// both of them coded.
type PairScore struct {
	UserA            string  `json:"user_a"`
	UserB            string  `json:"user_b"`
	SharedPosts      int     `json:"shared_posts"`
	Agreements       int     `json:"agreements"`
	PercentAgreement float64 `json:"percent_agreement"`
	Kappa            float64 `json:"kappa"`
}

// Report is the full pairwise breakdown for a (thread, task).
type Report struct {
	ThreadID string      `json:"thread_id"`
	TaskID   string      `json:"task_id"`
	Users    []string    `json:"users"`
	Pairs    []PairScore `json:"pairs"`
}

// Disagreement is one post on which annotators applied different codes.
// Labels maps user id to that user's canonical code label.
type Disagreement struct {
	PostID string            `json:"post_id"`
	Labels map[string]string `json:"labels"`
}

type Service struct {
	store Store
}

func NewService(st Store) *Service {
	return &Service{store: st}
}

// Label canonicalizes a code value set for comparison: sorted, pipe-joined.
// Two annotators agree on a post exactly when their labels are equal.
func Label(values []string) string {
	v := append([]string(nil), values...)
	sort.Strings(v)
	return strings.Join(v, "|")
}

// Report computes pairwise percent agreement and Cohen's kappa for every
// pair of annotators who coded the thread under the task.
func (s *Service) Report(ctx context.Context, threadID, taskID string) (Report, error) {
	codes, err := s.store.CodesForThreadTask(ctx, threadID, taskID)
	if err != nil {
		return Report{}, fmt.Errorf("load codes: %w", err)
	}

	byUser := map[string]map[string]string{}
	for _, c := range codes {
		m, ok := byUser[c.UserID]
		if !ok {
			m = map[string]string{}
			byUser[c.UserID] = m
		}
		m[c.PostID] = Label(c.Values)
	}

	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	report := Report{ThreadID: threadID, TaskID: taskID, Users: users}
	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			report.Pairs = append(report.Pairs, scorePair(users[i], users[j], byUser[users[i]], byUser[users[j]]))
		}
	}
	return report, nil
}

func scorePair(userA, userB string, codesA, codesB map[string]string) PairScore {
	score := PairScore{UserA: userA, UserB: userB}

	countsA := map[string]int{}
	countsB := map[string]int{}
	for postID, labelA := range codesA {
		labelB, ok := codesB[postID]
		if !ok {
			continue
		}
		score.SharedPosts++
		countsA[labelA]++
		countsB[labelB]++
		if labelA == labelB {
			score.Agreements++
		}
	}
	if score.SharedPosts == 0 {
		return score
	}

	n := float64(score.SharedPosts)
	po := float64(score.Agreements) / n

	pe := 0.0
	for label, ca := range countsA {
		pe += (float64(ca) / n) * (float64(countsB[label]) / n)
	}

	score.PercentAgreement = po
	if pe >= 1 {
		// Both annotators used a single identical category throughout.
		if po >= 1 {
			score.Kappa = 1
		}
		return score
	}
	score.Kappa = (po - pe) / (1 - pe)
	return score
}

// Disagreements lists the posts where annotators applied differing codes, in
// thread reading order, skipping posts already resolved in the tie-break
// ledger.
func (s *Service) Disagreements(ctx context.Context, threadID, taskID string) ([]Disagreement, error) {
	posts, err := s.store.PostsForThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}
	seq, err := annotate.Materialize(threadID, posts)
	if err != nil {
		return nil, err
	}

	codes, err := s.store.CodesForThreadTask(ctx, threadID, taskID)
	if err != nil {
		return nil, fmt.Errorf("load codes: %w", err)
	}
	byPost := map[string]map[string]string{}
	for _, c := range codes {
		m, ok := byPost[c.PostID]
		if !ok {
			m = map[string]string{}
			byPost[c.PostID] = m
		}
		m[c.UserID] = Label(c.Values)
	}

	tiebreaks, err := s.store.ListTieBreaks(ctx, threadID, taskID)
	if err != nil {
		return nil, fmt.Errorf("load tiebreaks: %w", err)
	}
	resolved := map[string]bool{}
	for _, tb := range tiebreaks {
		resolved[tb.PostID] = true
	}

	items := make([]Disagreement, 0)
	for _, post := range seq.Replies {
		if resolved[post.ID] {
			continue
		}
		labels := byPost[post.ID]
		if len(labels) < 2 {
			continue
		}
		distinct := map[string]bool{}
		for _, l := range labels {
			distinct[l] = true
		}
		if len(distinct) < 2 {
			continue
		}
		items = append(items, Disagreement{PostID: post.ID, Labels: labels})
	}
	return items, nil
}

// OrderedCodes returns one annotator's codes for a thread in reading order.
// Posts the user did not code are omitted.
func (s *Service) OrderedCodes(ctx context.Context, threadID, taskID, userID string) ([]store.Code, error) {
	posts, err := s.store.PostsForThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}
	seq, err := annotate.Materialize(threadID, posts)
	if err != nil {
		return nil, err
	}

	codes, err := s.store.CodesForThreadTask(ctx, threadID, taskID)
	if err != nil {
		return nil, fmt.Errorf("load codes: %w", err)
	}
	byPost := map[string]store.Code{}
	for _, c := range codes {
		if c.UserID == userID {
			byPost[c.PostID] = c
		}
	}

	ordered := make([]store.Code, 0, len(byPost))
	for _, post := range seq.Replies {
		if c, ok := byPost[post.ID]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}
