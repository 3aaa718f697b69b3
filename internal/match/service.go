// Package match pairs strangers into 1v1 rooms without a central matchmaker.
// The whole protocol is a single shared waiting cell plus a creation lock,
// both driven by conditional transactions on the store, so at most one waiter
// exists at a time and a formed pair creates exactly one room.
package match

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quizroom/quizroom/internal/domain"
	"github.com/quizroom/quizroom/internal/errors"
	"github.com/quizroom/quizroom/internal/event"
	"github.com/quizroom/quizroom/internal/room"
	"github.com/quizroom/quizroom/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWaitTimeout = 60 * time.Second
	claimAttempts      = 3
)

var (
	// ErrTimeout is returned when no partner showed up within the wait
	// window. The caller is back in the pre-search state.
	ErrTimeout = errors.New(errors.CodeDeadlineExceeded,
		errors.WithMessagef("matchmaking timed out"))

	errNoUser = errors.New(errors.CodeUnauthenticated,
		errors.WithMessagef("no authenticated user"))
)

type Config struct {
	Store    store.Store
	Rooms    *room.Service
	EventBus *event.Bus

	// WaitTimeout bounds how long a waiter blocks for a partner.
	WaitTimeout time.Duration
}

type Service struct {
	st      store.Store
	rooms   *room.Service
	eb      *event.Bus
	timeout time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		st:      c.Store,
		rooms:   c.Rooms,
		eb:      c.EventBus,
		timeout: c.WaitTimeout,
	}
	if s.timeout <= 0 {
		s.timeout = defaultWaitTimeout
	}
	return s
}

type role int

const (
	roleUnknown role = iota
	roleWaiter
	roleSecond
)

// Find pairs the caller with another player and returns the shared room
// code. The first caller to find the queue empty becomes the waiter and
// blocks until notified; the caller who finds a waiter consumes the slot,
// creates the room and notifies both sides.
func (s *Service) Find(ctx context.Context, uid, alias string) (string, error) {
	if uid == "" {
		return "", errNoUser
	}

	// Drop any stale notification from a previous attempt so we cannot
	// consume an old room code.
	if err := s.st.Remove(ctx, store.MatchedPath(uid)); err != nil {
		slog.WarnContext(ctx, "match: clear stale notice failed", "error", err)
	}

	r, partner, err := s.claim(ctx, uid)
	if err != nil {
		return "", err
	}

	switch r {
	case roleSecond:
		return s.pairUp(ctx, uid, alias, partner)
	default:
		s.st.OnDisconnectRemove(store.WaitingPath)
		code, err := s.awaitNotice(ctx, uid)
		s.st.ClearDisconnect(store.WaitingPath)
		if err != nil {
			// Best effort: leave the queue in the pre-search state.
			s.Cancel(ctx, uid)
			return "", err
		}
		return code, nil
	}
}

// claim runs the waiting-slot transaction: an empty slot is taken (waiter),
// an occupied slot is consumed and cleared (second). The slot is cleared
// atomically, so each waiting entry is consumed by exactly one second.
func (s *Service) claim(ctx context.Context, uid string) (role, string, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		// partner is only read after a successful commit; the transaction
		// function itself stays free of store side effects.
		var partner string

		committed, result, err := s.st.Transact(ctx, store.WaitingPath, func(cur []byte) ([]byte, error) {
			partner = ""
			if cur == nil {
				return json.Marshal(domain.WaitingEntry{
					UID: uid,
					At:  domain.Millis(s.st.Now()),
				})
			}
			var w domain.WaitingEntry
			if err := json.Unmarshal(cur, &w); err != nil || w.UID == "" || w.UID == uid {
				// Our own stale entry or garbage: leave it and retry.
				return nil, store.ErrTxAbort
			}
			partner = w.UID
			return nil, nil // consume the waiter, clear the slot
		})
		if err != nil {
			return roleUnknown, "", fmt.Errorf("match: claim: %w", err)
		}
		if !committed {
			continue
		}
		if partner != "" {
			return roleSecond, partner, nil
		}
		if result != nil {
			return roleWaiter, "", nil
		}
	}

	// The slot kept holding our own stale entry; treat it as ours and wait.
	return roleWaiter, "", nil
}

// pairUp is the second player's half: take the creation lock, create the
// room, notify both sides, release the lock. If the lock is somehow held by
// someone else the caller falls back to waiting for its own notice.
func (s *Service) pairUp(ctx context.Context, uid, alias, partner string) (string, error) {
	committed, result, err := s.st.Transact(ctx, store.CreatingPath, func(cur []byte) ([]byte, error) {
		if cur != nil {
			return nil, store.ErrTxAbort
		}
		return json.Marshal(uid)
	})
	if err != nil {
		return "", fmt.Errorf("match: acquire creating lock: %w", err)
	}

	var holder string
	if result != nil {
		_ = json.Unmarshal(result, &holder)
	}
	if !committed || holder != uid {
		// Defensive: with the slot cleared atomically this branch should
		// be unreachable, but a lock held by another uid means they are
		// creating the room, so wait to be told the code.
		return s.awaitNotice(ctx, uid)
	}

	s.st.OnDisconnectRemove(store.CreatingPath)
	defer func() {
		s.st.ClearDisconnect(store.CreatingPath)
		if err := s.st.Remove(ctx, store.CreatingPath); err != nil {
			slog.ErrorContext(ctx, "match: release creating lock failed", "error", err)
		}
	}()

	code, err := s.rooms.Create(ctx, uid, alias)
	if err != nil {
		return "", fmt.Errorf("match: create room: %w", err)
	}

	notice, err := json.Marshal(domain.MatchNotice{
		Code: code,
		At:   domain.Millis(s.st.Now()),
		A:    partner,
		B:    uid,
	})
	if err != nil {
		return "", fmt.Errorf("match: encode notice: %w", err)
	}

	var eg errgroup.Group
	for _, target := range []string{partner, uid} {
		target := target
		eg.Go(func() error {
			return s.st.Set(ctx, store.MatchedPath(target), notice)
		})
	}
	if err := eg.Wait(); err != nil {
		return "", fmt.Errorf("match: notify pair: %w", err)
	}

	if s.eb != nil {
		s.eb.Publish(ctx, domain.EventMatchFound{Code: code, A: partner, B: uid})
	}
	return code, nil
}

// awaitNotice blocks on the caller's matched/{uid} path until a room code
// arrives or the wait window closes.
func (s *Service) awaitNotice(ctx context.Context, uid string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	snaps, stop := s.st.Subscribe(ctx, store.MatchedPath(uid))
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return "", ErrTimeout
		case snap, ok := <-snaps:
			if !ok {
				return "", ErrTimeout
			}
			if snap.Value == nil {
				continue
			}
			var n domain.MatchNotice
			if err := json.Unmarshal(snap.Value, &n); err != nil || n.Code == "" {
				continue
			}
			// Consume the notification.
			if err := s.st.Remove(ctx, store.MatchedPath(uid)); err != nil {
				slog.WarnContext(ctx, "match: consume notice failed", "error", err)
			}
			return n.Code, nil
		}
	}
}

// Cancel returns the caller to the pre-search state: its own waiting entry,
// stale notification, and creation lock (if held by it) are removed. Other
// players' state is never touched.
func (s *Service) Cancel(ctx context.Context, uid string) error {
	if uid == "" {
		return errNoUser
	}

	_, _, err := s.st.Transact(ctx, store.WaitingPath, func(cur []byte) ([]byte, error) {
		var w domain.WaitingEntry
		if cur == nil || json.Unmarshal(cur, &w) != nil || w.UID != uid {
			return nil, store.ErrTxAbort
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("match: cancel: %w", err)
	}
	s.st.ClearDisconnect(store.WaitingPath)

	if err := s.st.Remove(ctx, store.MatchedPath(uid)); err != nil {
		return fmt.Errorf("match: cancel: %w", err)
	}

	_, _, err = s.st.Transact(ctx, store.CreatingPath, func(cur []byte) ([]byte, error) {
		var holder string
		if cur == nil || json.Unmarshal(cur, &holder) != nil || holder != uid {
			return nil, store.ErrTxAbort
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("match: cancel: %w", err)
	}
	s.st.ClearDisconnect(store.CreatingPath)

	return nil
}
