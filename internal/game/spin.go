package game

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quizroom/quizroom/internal/domain"
	"github.com/quizroom/quizroom/internal/room"
	"github.com/quizroom/quizroom/internal/store"
)

// The category spin is a small shared-randomness protocol: the host writes a
// seed once, and every client derives the identical selected category and
// wheel rotation count from it (domain.SpinState), so the animation plays in
// lockstep everywhere with no further traffic.

// StartSpin writes a fresh spin to the room. Host only, in the lobby.
func (s *Service) StartSpin(ctx context.Context, uid, code string, durationMs int64) (*domain.SpinState, error) {
	if uid == "" {
		return nil, errNoUser
	}
	code = room.NormalizeCode(code)
	if durationMs <= 0 {
		durationMs = DefaultSpinMs
	}

	spin := &domain.SpinState{
		Seed:       s.newSeed(),
		StartedAt:  domain.Millis(s.st.Now()),
		DurationMs: durationMs,
	}

	if err := s.mutateSpin(ctx, uid, code, func(r *domain.Room) error {
		if r.Stage != domain.StageLobby {
			return errBadStage(r.Stage, domain.StageLobby)
		}
		r.Spin = spin
		return nil
	}); err != nil {
		return nil, err
	}
	return spin, nil
}

// ResolveSpin records the category the spin landed on, for audit. Host only.
func (s *Service) ResolveSpin(ctx context.Context, uid, code, result string) error {
	return s.mutateSpin(ctx, uid, room.NormalizeCode(code), func(r *domain.Room) error {
		if r.Spin == nil {
			return errBadStage(r.Stage, domain.StageLobby)
		}
		r.Spin.Result = result
		return nil
	})
}

// ClearSpin removes the spin once the animation has completed. Host only.
func (s *Service) ClearSpin(ctx context.Context, uid, code string) error {
	return s.mutateSpin(ctx, uid, room.NormalizeCode(code), func(r *domain.Room) error {
		r.Spin = nil
		return nil
	})
}

func (s *Service) mutateSpin(ctx context.Context, uid, code string, mutate func(*domain.Room) error) error {
	if uid == "" {
		return errNoUser
	}

	var blocked error
	committed, _, err := s.st.Transact(ctx, store.RoomPath(code), func(cur []byte) ([]byte, error) {
		blocked = nil
		if cur == nil {
			blocked = room.ErrNotFound
			return nil, store.ErrTxAbort
		}
		var r domain.Room
		if err := json.Unmarshal(cur, &r); err != nil {
			return nil, err
		}
		if err := hostGate(&r, uid); err != nil {
			blocked = err
			return nil, store.ErrTxAbort
		}
		if err := mutate(&r); err != nil {
			blocked = err
			return nil, store.ErrTxAbort
		}
		return json.Marshal(&r)
	})
	if err != nil {
		return fmt.Errorf("game: spin: %w", err)
	}
	if !committed {
		if blocked != nil {
			return blocked
		}
		return fmt.Errorf("game: spin: %w", store.ErrTxConflict)
	}
	return nil
}

// WatchSpin streams the room's spin state: nil whenever no spin is active.
func (s *Service) WatchSpin(ctx context.Context, code string) (<-chan *domain.SpinState, func()) {
	code = room.NormalizeCode(code)
	snaps, stop := s.st.Subscribe(ctx, store.RoomPath(code))
	out := make(chan *domain.SpinState, 16)

	go func() {
		defer close(out)
		for snap := range snaps {
			var spin *domain.SpinState
			if snap.Value != nil {
				var r domain.Room
				if err := json.Unmarshal(snap.Value, &r); err != nil {
					continue
				}
				spin = r.Spin
			}
			select {
			case out <- spin:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stop
}
