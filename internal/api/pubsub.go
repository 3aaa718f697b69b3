package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/quizroom/quizroom/internal/domain"
)

const maxConcurrent = 100

// Redis is the slice of the redis client the notification fan-out needs.
type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Scoreboard struct {
		Code    string         `json:"code"`
		Scores  map[string]int `json:"scores"`
		Players []string       `json:"players"`
	}

	MatchFound struct {
		Code string `json:"code"`
		A    string `json:"a"`
		B    string `json:"b"`
	}

	RoomCreated struct {
		Code string `json:"code"`
	}
)

// PublishGameFinished pushes the final scoreboard to every scored player's
// notification channel, so a device that navigated away from the room still
// learns the outcome.
func (a *API) PublishGameFinished(ctx context.Context, e domain.EventGameFinished) error {
	data := Scoreboard{
		Code:    e.Code,
		Scores:  e.Scores,
		Players: make([]string, 0, len(e.Scores)),
	}
	for uid := range e.Scores {
		data.Players = append(data.Players, uid)
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, uid := range data.Players {
		uid := uid
		eg.Go(func() error {
			return a.publishNotification(ctx, uid, e.Name(), data)
		})
	}

	return eg.Wait()
}

// PublishMatchFound tells both paired players which room to join, covering
// devices that lost the blocking find call (network drop, app restart).
func (a *API) PublishMatchFound(ctx context.Context, e domain.EventMatchFound) error {
	data := MatchFound{Code: e.Code, A: e.A, B: e.B}

	var eg errgroup.Group
	for _, uid := range []string{e.A, e.B} {
		uid := uid
		eg.Go(func() error {
			return a.publishNotification(ctx, uid, e.Name(), data)
		})
	}
	return eg.Wait()
}

// PublishRoomCreated confirms the allocated code to the host's other devices.
func (a *API) PublishRoomCreated(ctx context.Context, e domain.EventRoomCreated) error {
	return a.publishNotification(ctx, e.Host, e.Name(), RoomCreated{Code: e.Code})
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:user:%s", a.prefix, user), b).Err()
}
