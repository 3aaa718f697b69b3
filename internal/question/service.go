// Package question serves trivia content from the shared store's question
// bank. It is the only consumer of the questions/ subtree.
package question

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/quizroom/quizroom/internal/domain"
	"github.com/quizroom/quizroom/internal/errors"
	"github.com/quizroom/quizroom/internal/store"
)

// ErrNoQuestions is returned when a category has no question left outside the
// exclusion list.
var ErrNoQuestions = errors.New(errors.CodeNotFound,
	errors.WithMessagef("no questions available for this category"))

type Config struct {
	Store store.Store

	// IntN overrides the random pick, for tests. Defaults to rand.Intn.
	IntN func(n int) int
}

type Service struct {
	st   store.Store
	intN func(n int) int
}

func NewService(c Config) *Service {
	s := &Service{
		st:   c.Store,
		intN: c.IntN,
	}
	if s.intN == nil {
		s.intN = rand.Intn
	}
	return s
}

// ListCategories returns the distinct categories present in the bank, sorted.
func (s *Service) ListCategories(ctx context.Context) ([]string, error) {
	entries, err := s.st.List(ctx, store.QuestionsRoot)
	if err != nil {
		return nil, fmt.Errorf("question: list categories: %w", err)
	}

	seen := make(map[string]struct{})
	for path := range entries {
		rest := strings.TrimPrefix(path, store.QuestionsRoot)
		if cat, _, ok := strings.Cut(rest, "/"); ok {
			seen[cat] = struct{}{}
		}
	}

	cats := make([]string, 0, len(seen))
	for c := range seen {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats, nil
}

// RandomQuestion picks a uniformly random question of the category whose id
// is not in excludeIDs.
func (s *Service) RandomQuestion(ctx context.Context, category string, excludeIDs []string) (domain.Question, error) {
	entries, err := s.st.List(ctx, store.QuestionPrefix(category))
	if err != nil {
		return domain.Question{}, fmt.Errorf("question: list %s: %w", category, err)
	}

	used := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		used[id] = struct{}{}
	}

	ids := make([]string, 0, len(entries))
	for path := range entries {
		id := strings.TrimPrefix(path, store.QuestionPrefix(category))
		if _, ok := used[id]; !ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return domain.Question{}, ErrNoQuestions
	}
	sort.Strings(ids) // deterministic order under injected randomness

	id := ids[s.intN(len(ids))]
	var bq domain.BankQuestion
	if err := json.Unmarshal(entries[store.QuestionPath(category, id)], &bq); err != nil {
		return domain.Question{}, fmt.Errorf("question: decode %s/%s: %w", category, id, err)
	}

	return bq.Playable(id, category), nil
}

// SeedEntry is one question to load into the bank.
type SeedEntry struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	domain.BankQuestion
}

// Seed loads questions into the bank, overwriting existing ids.
func (s *Service) Seed(ctx context.Context, entries []SeedEntry) error {
	var eg errgroup.Group
	eg.SetLimit(16)

	for _, e := range entries {
		e := e
		eg.Go(func() error {
			b, err := json.Marshal(e.BankQuestion)
			if err != nil {
				return fmt.Errorf("question: seed %s/%s: %w", e.Category, e.ID, err)
			}
			return s.st.Set(ctx, store.QuestionPath(e.Category, e.ID), b)
		})
	}

	return eg.Wait()
}
