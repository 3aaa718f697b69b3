package match_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quizroom/quizroom/internal/domain"
	"github.com/quizroom/quizroom/internal/match"
	"github.com/quizroom/quizroom/internal/room"
	"github.com/quizroom/quizroom/internal/store"
)

func makeService(t *testing.T, opts ...option) (*match.Service, *store.Redis) {
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

	c := match.Config{
		Store: st,
		Rooms: room.NewService(room.Config{Store: st}),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return match.NewService(c), st
}

type option func(*match.Config)

func withWaitTimeout(d time.Duration) option {
	return func(c *match.Config) { c.WaitTimeout = d }
}

func TestService_Find_PairsTwoCallers(t *testing.T) {
	s, st := makeService(t)
	ctx := context.Background()

	type result struct {
		code string
		err  error
	}

	results := make(chan result, 2)
	for _, uid := range []string{"u1", "u2"} {
		uid := uid
		go func() {
			code, err := s.Find(ctx, uid, "Player "+uid)
			results <- result{code, err}
		}()
	}

	var codes []string
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			codes = append(codes, r.code)
		case <-time.After(10 * time.Second):
			t.Fatal("matchmaking did not resolve")
		}
	}
	require.Equal(t, codes[0], codes[1], "both callers should land in the same room")

	waiting, err := st.Get(ctx, store.WaitingPath)
	require.NoError(t, err)
	require.Nil(t, waiting, "waiting slot should end empty")

	creating, err := st.Get(ctx, store.CreatingPath)
	require.NoError(t, err)
	require.Nil(t, creating, "creation lock should be released")

	b, err := st.Get(ctx, store.RoomPath(codes[0]))
	require.NoError(t, err)
	require.NotNil(t, b, "the shared room should exist")

	var r domain.Room
	require.NoError(t, json.Unmarshal(b, &r))
	require.Equal(t, domain.StageLobby, r.Stage)
}

func TestService_Find_SecondConsumesWaiter(t *testing.T) {
	s, st := makeService(t)
	ctx := context.Background()

	// A waiter is already parked in the slot.
	entry, err := json.Marshal(domain.WaitingEntry{UID: "u1", At: 1})
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, store.WaitingPath, entry))

	code, err := s.Find(ctx, "u2", "Ben")
	require.NoError(t, err)
	require.NotEmpty(t, code)

	// The waiter's notification names both players and the room.
	b, err := st.Get(ctx, store.MatchedPath("u1"))
	require.NoError(t, err)
	require.NotNil(t, b)

	var n domain.MatchNotice
	require.NoError(t, json.Unmarshal(b, &n))
	require.Equal(t, code, n.Code)
	require.Equal(t, "u1", n.A)
	require.Equal(t, "u2", n.B)

	waiting, err := st.Get(ctx, store.WaitingPath)
	require.NoError(t, err)
	require.Nil(t, waiting)
}

func TestService_Find_Timeout(t *testing.T) {
	s, st := makeService(t, withWaitTimeout(200*time.Millisecond))
	ctx := context.Background()

	_, err := s.Find(ctx, "u1", "Ana")
	require.ErrorIs(t, err, match.ErrTimeout)

	waiting, err := st.Get(ctx, store.WaitingPath)
	require.NoError(t, err)
	require.Nil(t, waiting, "timed-out waiter should leave the queue in the pre-search state")
}

func TestService_Cancel(t *testing.T) {
	s, st := makeService(t)
	ctx := context.Background()

	t.Run("removes only the caller's waiting entry", func(t *testing.T) {
		entry, err := json.Marshal(domain.WaitingEntry{UID: "other", At: 1})
		require.NoError(t, err)
		require.NoError(t, st.Set(ctx, store.WaitingPath, entry))

		require.NoError(t, s.Cancel(ctx, "u1"))

		waiting, err := st.Get(ctx, store.WaitingPath)
		require.NoError(t, err)
		require.NotNil(t, waiting, "someone else's entry must stay")

		require.NoError(t, st.Remove(ctx, store.WaitingPath))
	})

	t.Run("clears own state", func(t *testing.T) {
		entry, err := json.Marshal(domain.WaitingEntry{UID: "u1", At: 1})
		require.NoError(t, err)
		require.NoError(t, st.Set(ctx, store.WaitingPath, entry))

		notice, err := json.Marshal(domain.MatchNotice{Code: "OLD01"})
		require.NoError(t, err)
		require.NoError(t, st.Set(ctx, store.MatchedPath("u1"), notice))

		holder, err := json.Marshal("u1")
		require.NoError(t, err)
		require.NoError(t, st.Set(ctx, store.CreatingPath, holder))

		require.NoError(t, s.Cancel(ctx, "u1"))

		for _, path := range []string{store.WaitingPath, store.MatchedPath("u1"), store.CreatingPath} {
			b, err := st.Get(ctx, path)
			require.NoError(t, err)
			require.Nil(t, b, "path %s should be cleared", path)
		}
	})
}

func TestService_Find_IgnoresStaleNotice(t *testing.T) {
	s, st := makeService(t, withWaitTimeout(300*time.Millisecond))
	ctx := context.Background()

	// A leftover notification from an earlier session must not short-circuit
	// a new search into a dead room.
	notice, err := json.Marshal(domain.MatchNotice{Code: "DEAD1"})
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, store.MatchedPath("u1"), notice))

	_, err = s.Find(ctx, "u1", "Ana")
	require.ErrorIs(t, err, match.ErrTimeout)
}
