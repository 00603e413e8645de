package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
)

type RetryRequest struct {
	Kind store.Kind `json:"kind" binding:"required"`
	ID   string     `json:"id" binding:"required"`
}

// SyncResult reports the queue after a manual drain.
type SyncResult struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
}

// EventEnvelope is one server-sent event of GET /v1/events.
type EventEnvelope struct {
	EventID          string `json:"event_id"`
	Profile          string `json:"profile"`
	OccurredAtUnixMs int64  `json:"occurred_at_unix_ms"`
	Kind             string `json:"kind"`
	Payload          any    `json:"payload,omitempty"`
}

// SyncService triggers drains and retries and streams bus events.
type SyncService struct {
	profile string
	engine  SyncEngine
	bus     *bus.Bus
}

func NewSyncService(profile string, engine SyncEngine, b *bus.Bus) *SyncService {
	return &SyncService{profile: profile, engine: engine, bus: b}
}

func (s *SyncService) Register(r gin.IRouter) {
	r.POST("/sync", s.sync)
	r.POST("/retry", s.retry)
	r.GET("/events", s.events)
}

func (s *SyncService) sync(c *gin.Context) {
	ctx := c.Request.Context()
	s.engine.SyncPending(ctx)
	pending, err := s.engine.PendingCount(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusOK, SyncResult{Online: s.engine.IsOnline(), Pending: pending})
}

func (s *SyncService) retry(c *gin.Context) {
	var req RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err.Error())
		return
	}
	if req.Kind != store.KindConversation && req.Kind != store.KindMessage {
		validationError(c, "kind must be conversation or message")
		return
	}
	st, err := s.engine.Retry(c.Request.Context(), store.Ref{Kind: req.Kind, ID: req.ID})
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusOK, st)
}

// events streams bus events whose kind starts with the ns query parameter,
// or every event when ns is empty.
func (s *SyncService) events(c *gin.Context) {
	ch, unsub := s.bus.Subscribe(c.Query("ns"), 256)
	defer unsub()

	done := c.Request.Context().Done()
	c.Stream(func(_ io.Writer) bool {
		select {
		case evt := <-ch:
			c.SSEvent(evt.Kind, EventEnvelope{
				EventID:          uuid.New().String(),
				Profile:          s.profile,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Kind:             evt.Kind,
				Payload:          evt.Payload,
			})
			return true
		case <-done:
			return false
		}
	})
}
