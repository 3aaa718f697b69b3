package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/quizroom/quizroom/internal/api"
	"github.com/quizroom/quizroom/internal/event"
	"github.com/quizroom/quizroom/internal/game"
	"github.com/quizroom/quizroom/internal/match"
	"github.com/quizroom/quizroom/internal/question"
	"github.com/quizroom/quizroom/internal/room"
	"github.com/quizroom/quizroom/internal/store"
	"github.com/quizroom/quizroom/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Store struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Match struct {
		WaitTimeoutSec int
	}

	Questions struct {
		// SeedFile optionally points at a JSON file loaded into the
		// question bank at startup.
		SeedFile string
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			store  redis.UniversalClient
			pubsub redis.UniversalClient
		}

		store *store.Redis
	}

	service struct {
		questions *question.Service
		rooms     *room.Service
		match     *match.Service
		game      *game.Service
		watchers  *game.Supervisor
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()

	if err := s.seedQuestions(); err != nil {
		return nil, fmt.Errorf("server: seed questions: %w", err)
	}
	return s, nil
}

func (s *Server) initInfra() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.store, err = connect(s.c.Redis.Store.Addrs, s.c.Redis.Store.Pass)
	if err != nil {
		return fmt.Errorf("redis: store: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("redis: pubsub: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.infra.store, err = store.Open(ctx, store.Config{
		Client: s.infra.redis.store,
		Prefix: s.c.Redis.Store.Prefix,
	})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	return nil
}

func (s *Server) initService() {
	s.service.questions = question.NewService(question.Config{
		Store: s.infra.store,
	})

	s.service.rooms = room.NewService(room.Config{
		Store:    s.infra.store,
		EventBus: s.eb,
	})

	s.service.match = match.NewService(match.Config{
		Store:       s.infra.store,
		Rooms:       s.service.rooms,
		EventBus:    s.eb,
		WaitTimeout: time.Duration(s.c.Match.WaitTimeoutSec) * time.Second,
	})

	s.service.game = game.NewService(game.Config{
		Store:     s.infra.store,
		Questions: s.service.questions,
		EventBus:  s.eb,
	})

	s.service.watchers = game.NewSupervisor(game.WatcherConfig{
		Store: s.infra.store,
		Game:  s.service.game,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Rooms:        s.service.rooms,
		Match:        s.service.match,
		Game:         s.service.game,
		Questions:    s.service.questions,
		Watchers:     s.service.watchers,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) seedQuestions() error {
	if s.c.Questions.SeedFile == "" {
		return nil
	}

	b, err := os.ReadFile(s.c.Questions.SeedFile)
	if err != nil {
		return err
	}

	var seed []question.SeedEntry
	if err := json.Unmarshal(b, &seed); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.service.questions.Seed(ctx, seed)
}

func (s *Server) Start() {
	ctx := context.TODO()

	slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.watchers.Stop()

	// Closing the store fires disconnect cleanups (presence entries,
	// matchmaking slots) registered by in-flight sessions.
	if err := s.infra.store.Close(ctx); err != nil {
		slog.ErrorContext(ctx, "server: close store failed", "error", err)
	}

	s.eb.Stop()

	slog.InfoContext(ctx, "server: shutdown completed")
}
