// Package room manages room creation, membership and presence. A room lives
// entirely in the shared store; every mutation is a conditional transaction
// on the room document so concurrent clients never clobber each other.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/quizroom/quizroom/internal/domain"
	"github.com/quizroom/quizroom/internal/errors"
	"github.com/quizroom/quizroom/internal/event"
	"github.com/quizroom/quizroom/internal/store"
)

// Alphabet for room codes. I, L, O, 0 and 1 are excluded because they are
// easy to confuse when a code is read aloud or copied from a screen.
const CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	defaultCodeLen  = 5
	defaultAttempts = 10
)

var (
	// ErrNotFound is returned when an operation targets a room code that
	// does not exist.
	ErrNotFound = errors.New(errors.CodeNotFound,
		errors.WithMessagef("room not found"))

	// ErrCreationExhausted is returned after every generated code collided
	// with a live room.
	ErrCreationExhausted = errors.New(errors.CodeResourceExhausted,
		errors.WithMessagef("could not allocate a room code"))

	errNoUser = errors.New(errors.CodeUnauthenticated,
		errors.WithMessagef("no authenticated user"))
)

type Config struct {
	Store    store.Store
	EventBus *event.Bus

	// NewCode overrides code generation, for tests.
	NewCode func() string

	// Attempts bounds code generation retries on collision.
	Attempts int
}

type Service struct {
	st       store.Store
	eb       *event.Bus
	newCode  func() string
	attempts int
}

func NewService(c Config) *Service {
	s := &Service{
		st:       c.Store,
		eb:       c.EventBus,
		newCode:  c.NewCode,
		attempts: c.Attempts,
	}
	if s.newCode == nil {
		s.newCode = func() string { return GenerateCode(defaultCodeLen) }
	}
	if s.attempts <= 0 {
		s.attempts = defaultAttempts
	}
	return s
}

// GenerateCode returns a random room code of the given length.
func GenerateCode(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = CodeAlphabet[rand.Intn(len(CodeAlphabet))]
	}
	return string(b)
}

// NormalizeCode uppercases and trims a user-entered room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Create allocates a fresh room with the caller as host and sole player, and
// registers the caller's presence. Code collisions are retried with new
// random codes up to the configured attempt limit.
func (s *Service) Create(ctx context.Context, uid, alias string) (string, error) {
	if uid == "" {
		return "", errNoUser
	}

	for i := 0; i < s.attempts; i++ {
		code := s.newCode()
		now := domain.Millis(s.st.Now())

		doc, err := json.Marshal(domain.Room{
			Code:      code,
			Host:      uid,
			CreatedAt: now,
			Stage:     domain.StageLobby,
			Players: map[string]domain.Player{
				uid: {Alias: alias, JoinedAt: now},
			},
		})
		if err != nil {
			return "", fmt.Errorf("room: encode: %w", err)
		}

		committed, _, err := s.st.Transact(ctx, store.RoomPath(code), func(cur []byte) ([]byte, error) {
			if cur != nil {
				// Collision, keep the existing room untouched.
				return nil, store.ErrTxAbort
			}
			return doc, nil
		})
		if err != nil {
			return "", fmt.Errorf("room: create: %w", err)
		}
		if !committed {
			continue
		}

		if err := s.addPresence(ctx, code, uid, alias); err != nil {
			return "", err
		}

		if s.eb != nil {
			s.eb.Publish(ctx, domain.EventRoomCreated{Code: code, Host: uid})
		}
		return code, nil
	}

	return "", ErrCreationExhausted
}

// Join adds the caller to the room's players. Re-joining simply refreshes
// alias and joinedAt. Joining a nonexistent room fails with ErrNotFound and
// leaves no trace in the store.
func (s *Service) Join(ctx context.Context, uid, alias, code string) error {
	if uid == "" {
		return errNoUser
	}
	code = NormalizeCode(code)

	committed, _, err := s.st.Transact(ctx, store.RoomPath(code), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, store.ErrTxAbort
		}
		var r domain.Room
		if err := json.Unmarshal(cur, &r); err != nil {
			return nil, err
		}
		if r.Players == nil {
			r.Players = make(map[string]domain.Player)
		}
		r.Players[uid] = domain.Player{Alias: alias, JoinedAt: domain.Millis(s.st.Now())}
		return json.Marshal(r)
	})
	if err != nil {
		return fmt.Errorf("room: join %s: %w", code, err)
	}
	if !committed {
		return ErrNotFound
	}

	return s.addPresence(ctx, code, uid, alias)
}

// Leave removes the caller's presence and player entry. The room document is
// deleted in the same transaction when the last player leaves.
func (s *Service) Leave(ctx context.Context, uid, code string) error {
	if uid == "" {
		return errNoUser
	}
	code = NormalizeCode(code)

	ppath := store.PresencePath(code, uid)
	s.st.ClearDisconnect(ppath)
	if err := s.st.Remove(ctx, ppath); err != nil {
		return fmt.Errorf("room: leave %s: %w", code, err)
	}

	_, _, err := s.st.Transact(ctx, store.RoomPath(code), func(cur []byte) ([]byte, error) {
		if cur == nil {
			// Already gone; nothing to do.
			return nil, store.ErrTxAbort
		}
		var r domain.Room
		if err := json.Unmarshal(cur, &r); err != nil {
			return nil, err
		}
		delete(r.Players, uid)
		if len(r.Players) == 0 {
			return nil, nil // last player out deletes the room
		}
		return json.Marshal(r)
	})
	if err != nil {
		return fmt.Errorf("room: leave %s: %w", code, err)
	}
	return nil
}

func (s *Service) addPresence(ctx context.Context, code, uid, alias string) error {
	p, err := json.Marshal(domain.Presence{
		Online: true,
		At:     domain.Millis(s.st.Now()),
		Alias:  alias,
	})
	if err != nil {
		return fmt.Errorf("room: encode presence: %w", err)
	}

	path := store.PresencePath(code, uid)
	if err := s.st.Set(ctx, path, p); err != nil {
		return fmt.Errorf("room: presence %s: %w", code, err)
	}
	s.st.OnDisconnectRemove(path)
	return nil
}

// Get reads the current room document, or ErrNotFound.
func (s *Service) Get(ctx context.Context, code string) (*domain.Room, error) {
	b, err := s.st.Get(ctx, store.RoomPath(NormalizeCode(code)))
	if err != nil {
		return nil, fmt.Errorf("room: get %s: %w", code, err)
	}
	if b == nil {
		return nil, ErrNotFound
	}
	var r domain.Room
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("room: decode %s: %w", code, err)
	}
	return &r, nil
}

// Watch streams the room document: current state first, then every change.
// A nil room means the document was deleted.
func (s *Service) Watch(ctx context.Context, code string) (<-chan *domain.Room, func()) {
	code = NormalizeCode(code)
	snaps, stop := s.st.Subscribe(ctx, store.RoomPath(code))
	out := make(chan *domain.Room, 16)

	go func() {
		defer close(out)
		for snap := range snaps {
			var r *domain.Room
			if snap.Value != nil {
				r = new(domain.Room)
				if err := json.Unmarshal(snap.Value, r); err != nil {
					continue
				}
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stop
}

// WatchPresence streams the full presence map for a room: one snapshot with
// the current members, then an updated map after every change.
func (s *Service) WatchPresence(ctx context.Context, code string) (<-chan map[string]domain.Presence, func()) {
	code = NormalizeCode(code)
	snaps, stop := s.st.SubscribePrefix(ctx, store.PresencePrefix(code))
	out := make(chan map[string]domain.Presence, 16)

	go func() {
		defer close(out)

		state := make(map[string]domain.Presence)
		if initial, err := s.st.List(ctx, store.PresencePrefix(code)); err == nil {
			for path, b := range initial {
				var p domain.Presence
				if json.Unmarshal(b, &p) == nil {
					state[uidFromPresencePath(code, path)] = p
				}
			}
		}
		if !emitPresence(ctx, out, state) {
			return
		}

		for snap := range snaps {
			uid := uidFromPresencePath(code, snap.Path)
			if snap.Value == nil {
				delete(state, uid)
			} else {
				var p domain.Presence
				if json.Unmarshal(snap.Value, &p) != nil {
					continue
				}
				state[uid] = p
			}
			if !emitPresence(ctx, out, state) {
				return
			}
		}
	}()

	return out, stop
}

func emitPresence(ctx context.Context, out chan<- map[string]domain.Presence, state map[string]domain.Presence) bool {
	cp := make(map[string]domain.Presence, len(state))
	for k, v := range state {
		cp[k] = v
	}
	select {
	case out <- cp:
		return true
	case <-ctx.Done():
		return false
	}
}

func uidFromPresencePath(code, path string) string {
	return strings.TrimPrefix(path, store.PresencePrefix(code))
}
