package question_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quizroom/quizroom/internal/domain"
	"github.com/quizroom/quizroom/internal/question"
	"github.com/quizroom/quizroom/internal/store"
)

func makeService(t *testing.T, opts ...option) *question.Service {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	st, err := store.Open(ctx, store.Config{Client: rc, Prefix: "test"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close(context.Background())
		_ = rc.Close()
	})

	c := question.Config{Store: st}
	for _, opt := range opts {
		opt(&c)
	}

	s := question.NewService(c)
	require.NoError(t, s.Seed(ctx, []question.SeedEntry{
		{ID: "q1", Category: "geo", BankQuestion: bank("Capital of Peru?", 0, "Lima", "Quito", "Bogota")},
		{ID: "q2", Category: "geo", BankQuestion: bank("Longest river?", 1, "Nile", "Amazon", "Yangtze")},
		{ID: "q3", Category: "geo", BankQuestion: bank("Largest desert?", 2, "Gobi", "Kalahari", "Sahara")},
		{ID: "q4", Category: "music", BankQuestion: bank("Beethoven symphonies?", 1, "7", "9", "11")},
	}))

	return s
}

type option func(*question.Config)

func withIntN(f func(int) int) option {
	return func(c *question.Config) { c.IntN = f }
}

func bank(prompt string, answer int, options ...string) domain.BankQuestion {
	return domain.BankQuestion{
		Question:    prompt,
		Options:     options,
		AnswerIndex: answer,
	}
}

func TestService_ListCategories(t *testing.T) {
	s := makeService(t)

	cats, err := s.ListCategories(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"geo", "music"}, cats)
}

func TestService_RandomQuestion(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	t.Run("never returns an excluded id", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			q, err := s.RandomQuestion(ctx, "geo", []string{"q1", "q3"})
			require.NoError(t, err)
			require.Equal(t, "q2", q.ID)
			require.Equal(t, "geo", q.Category)
		}
	})

	t.Run("exhausted category fails", func(t *testing.T) {
		_, err := s.RandomQuestion(ctx, "geo", []string{"q1", "q2", "q3"})
		require.ErrorIs(t, err, question.ErrNoQuestions)
	})

	t.Run("unknown category fails", func(t *testing.T) {
		_, err := s.RandomQuestion(ctx, "history", nil)
		require.ErrorIs(t, err, question.ErrNoQuestions)
	})

	t.Run("options carry the correct flag", func(t *testing.T) {
		s := makeService(t, withIntN(func(n int) int { return 0 }))

		q, err := s.RandomQuestion(ctx, "music", nil)
		require.NoError(t, err)
		require.Equal(t, "q4", q.ID)
		require.Equal(t, 1, q.CorrectIndex())
		require.Equal(t, "9", q.Options[1].Text)
	})
}
