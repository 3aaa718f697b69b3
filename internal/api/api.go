// Package api is the presentation-facing surface of the coordinator: JSON
// endpoints for every imperative operation and SSE streams bridging the
// store's live subscriptions to clients.
package api

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quizroom/quizroom/internal/domain"
	"github.com/quizroom/quizroom/internal/errors"
	"github.com/quizroom/quizroom/internal/event"
	"github.com/quizroom/quizroom/internal/game"
	"github.com/quizroom/quizroom/internal/match"
	"github.com/quizroom/quizroom/internal/question"
	"github.com/quizroom/quizroom/internal/room"
)

const userHeader = "X-User-ID"

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Rooms        *room.Service
	Match        *match.Service
	Game         *game.Service
	Questions    *question.Service
	Watchers     *game.Supervisor
	Redis        Redis
	PubsubPrefix string
}

type API struct {
	rooms    *room.Service
	match    *match.Service
	game     *game.Service
	qs       *question.Service
	watchers *game.Supervisor
	redis    Redis
	prefix   string
}

func New(c Config) *API {
	a := &API{
		rooms:    c.Rooms,
		match:    c.Match,
		game:     c.Game,
		qs:       c.Questions,
		watchers: c.Watchers,
		redis:    c.Redis,
		prefix:   c.PubsubPrefix,
	}

	v1 := c.Router.Group("/v1")
	{
		v1.POST("/guest", a.createGuest)
		v1.GET("/categories", a.listCategories)

		v1.POST("/rooms", a.createRoom)
		v1.GET("/rooms/:code", a.getRoom)
		v1.GET("/rooms/:code/events", a.streamRoom)
		v1.GET("/rooms/:code/presence/events", a.streamPresence)
		v1.GET("/rooms/:code/spin/events", a.streamSpin)
		v1.POST("/rooms/:code/join", a.joinRoom)
		v1.POST("/rooms/:code/leave", a.leaveRoom)

		v1.POST("/rooms/:code/start", a.startGame)
		v1.POST("/rooms/:code/answer", a.submitAnswer)
		v1.POST("/rooms/:code/reveal", a.goToReveal)
		v1.POST("/rooms/:code/results", a.goToResults)
		v1.POST("/rooms/:code/next", a.nextRound)
		v1.POST("/rooms/:code/finish", a.finishGame)
		v1.POST("/rooms/:code/prefetch", a.prefetchQuestion)

		v1.POST("/rooms/:code/spin", a.startSpin)
		v1.POST("/rooms/:code/spin/result", a.resolveSpin)
		v1.DELETE("/rooms/:code/spin", a.clearSpin)

		v1.POST("/match", a.findMatch)
		v1.DELETE("/match", a.cancelMatch)
	}

	// Fan domain events out to per-user notification channels.
	c.EventBus.Subscribe(domain.EventNameGameFinished, func(ctx context.Context, e event.Event) error {
		return a.PublishGameFinished(ctx, e.(domain.EventGameFinished))
	})
	c.EventBus.Subscribe(domain.EventNameMatchFound, func(ctx context.Context, e event.Event) error {
		return a.PublishMatchFound(ctx, e.(domain.EventMatchFound))
	})
	c.EventBus.Subscribe(domain.EventNameRoomCreated, func(ctx context.Context, e event.Event) error {
		return a.PublishRoomCreated(ctx, e.(domain.EventRoomCreated))
	})

	return a
}

// user returns the caller's opaque user id, or writes the unauthenticated
// error. Identity provisioning itself is out of scope; any stable id works.
func user(c *gin.Context) (string, bool) {
	uid := c.GetHeader(userHeader)
	if uid == "" {
		fail(c, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("missing %s header", userHeader)))
		return "", false
	}
	return uid, true
}

func fail(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}

func (a *API) createGuest(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"uid": uuid.NewString()})
}

func (a *API) listCategories(c *gin.Context) {
	cats, err := a.qs.ListCategories(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": cats})
}

type createRoomRequest struct {
	Alias string `json:"alias"`
}

func (a *API) createRoom(c *gin.Context) {
	uid, ok := user(c)
	if !ok {
		return
	}
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	code, err := a.rooms.Create(c.Request.Context(), uid, req.Alias)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code})
}

func (a *API) getRoom(c *gin.Context) {
	r, err := a.rooms.Get(c.Request.Context(), c.Param("code"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (a *API) joinRoom(c *gin.Context) {
	uid, ok := user(c)
	if !ok {
		return
	}
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.rooms.Join(c.Request.Context(), uid, req.Alias, c.Param("code")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) leaveRoom(c *gin.Context) {
	uid, ok := user(c)
	if !ok {
		return
	}
	if err := a.rooms.Leave(c.Request.Context(), uid, c.Param("code")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type startGameRequest struct {
	Category   string           `json:"category"`
	DurationMs int64            `json:"durationMs"`
	Prefetched *domain.Question `json:"prefetched,omitempty"`
}

func (a *API) startGame(c *gin.Context) {
	uid, ok := user(c)
	if !ok {
		return
	}
	var req startGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	err := a.game.Start(c.Request.Context(), uid, c.Param("code"), req.Category, req.DurationMs, req.Prefetched)
	if err != nil {
		fail(c, err)
		return
	}
	a.armWatcher(uid, c.Param("code"))
	c.Status(http.StatusNoContent)
}

// armWatcher backs a started round with the server-side countdown watcher,
// so the stage flips to reveal at the deadline even if the host's device
// never taps reveal.
func (a *API) armWatcher(uid, code string) {
	if a.watchers != nil {
		a.watchers.Ensure(uid, code)
	}
}

type submitAnswerRequest struct {
	OptionIndex *int `json:"optionIndex" binding:"required"`
}

func (a *API) submitAnswer(c *gin.Context) {
	uid, ok := user(c)
	if !ok {
		return
	}
	var req submitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.game.SubmitAnswer(c.Request.Context(), uid, c.Param("code"), *req.OptionIndex); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) goToReveal(c *gin.Context) {
	a.hostOp(c, a.game.Reveal)
}

func (a *API) goToResults(c *gin.Context) {
	a.hostOp(c, a.game.Results)
}

func (a *API) finishGame(c *gin.Context) {
	a.hostOp(c, a.game.Finish)
}

func (a *API) hostOp(c *gin.Context, op func(ctx context.Context, uid, code string) error) {
	uid, ok := user(c)
	if !ok {
		return
	}
	if err := op(c.Request.Context(), uid, c.Param("code")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type nextRoundRequest struct {
	Category   string `json:"category"`
	DurationMs int64  `json:"durationMs"`
}

func (a *API) nextRound(c *gin.Context) {
	uid, ok := user(c)
	if !ok {
		return
	}
	var req nextRoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.game.Next(c.Request.Context(), uid, c.Param("code"), req.Category, req.DurationMs); err != nil {
		fail(c, err)
		return
	}
	a.armWatcher(uid, c.Param("code"))
	c.Status(http.StatusNoContent)
}

type prefetchRequest struct {
	Category string `json:"category" binding:"required"`
}

func (a *API) prefetchQuestion(c *gin.Context) {
	uid, ok := user(c)
	if !ok {
		return
	}
	var req prefetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.game.Prefetch(c.Request.Context(), uid, c.Param("code"), req.Category); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type startSpinRequest struct {
	DurationMs int64 `json:"durationMs"`
}

func (a *API) startSpin(c *gin.Context) {
	uid, ok := user(c)
	if !ok {
		return
	}
	var req startSpinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	spin, err := a.game.StartSpin(c.Request.Context(), uid, c.Param("code"), req.DurationMs)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, spin)
}

type resolveSpinRequest struct {
	Result string `json:"result" binding:"required"`
}

func (a *API) resolveSpin(c *gin.Context) {
	uid, ok := user(c)
	if !ok {
		return
	}
	var req resolveSpinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.game.ResolveSpin(c.Request.Context(), uid, c.Param("code"), req.Result); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) clearSpin(c *gin.Context) {
	uid, ok := user(c)
	if !ok {
		return
	}
	if err := a.game.ClearSpin(c.Request.Context(), uid, c.Param("code")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) findMatch(c *gin.Context) {
	uid, ok := user(c)
	if !ok {
		return
	}
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	// Blocks until paired or the matchmaking window times out.
	code, err := a.match.Find(c.Request.Context(), uid, req.Alias)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code})
}

func (a *API) cancelMatch(c *gin.Context) {
	uid, ok := user(c)
	if !ok {
		return
	}
	if err := a.match.Cancel(c.Request.Context(), uid); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) streamRoom(c *gin.Context) {
	ch, stop := a.rooms.Watch(c.Request.Context(), c.Param("code"))
	defer stop()
	stream(c, "room", ch)
}

func (a *API) streamPresence(c *gin.Context) {
	ch, stop := a.rooms.WatchPresence(c.Request.Context(), c.Param("code"))
	defer stop()
	stream(c, "presence", ch)
}

func (a *API) streamSpin(c *gin.Context) {
	ch, stop := a.game.WatchSpin(c.Request.Context(), c.Param("code"))
	defer stop()
	stream(c, "spin", ch)
}

func stream[T any](c *gin.Context, name string, ch <-chan T) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		v, ok := <-ch
		if !ok {
			return false
		}
		c.SSEvent(name, v)
		return true
	})
}
