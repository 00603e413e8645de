package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/chatsync/internal/netstate"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// SyncEngine is the part of the sync coordinator the API drives.
type SyncEngine interface {
	SyncPending(ctx context.Context)
	Retry(ctx context.Context, ref store.Ref) (*store.SyncState, error)
	IsOnline() bool
	IsSyncing() bool
	PendingCount(ctx context.Context) (int, error)
}

// Network exposes and overrides the reachability and power signals.
type Network interface {
	Reachability() netstate.Reachability
	SetReachability(r netstate.Reachability)
	PowerConstrained() bool
	SetPowerConstrained(constrained bool)
}

// Status is the daemon state reported by GET /v1/status.
type Status struct {
	Profile          string                `json:"profile"`
	UserID           string                `json:"user_id,omitempty"`
	Online           bool                  `json:"online"`
	Reachability     netstate.Reachability `json:"reachability"`
	PowerConstrained bool                  `json:"power_constrained"`
	Syncing          bool                  `json:"syncing"`
	Pending          int                   `json:"pending"`
	Failed           int                   `json:"failed"`
	LastDrainAt      int64                 `json:"last_drain_at,omitempty"`
	UptimeMs         int64                 `json:"uptime_ms"`
}

type NetworkRequest struct {
	Reachable   bool `json:"reachable"`
	Constrained bool `json:"constrained"`
}

type PowerRequest struct {
	Constrained bool `json:"constrained"`
}

// SessionService reports daemon status and takes network and power overrides.
type SessionService struct {
	profile   string
	userID    string
	startedAt time.Time
	engine    SyncEngine
	net       Network
	db        *store.DB
}

func NewSessionService(profile, userID string, engine SyncEngine, net Network, db *store.DB) *SessionService {
	return &SessionService{
		profile:   profile,
		userID:    userID,
		startedAt: time.Now(),
		engine:    engine,
		net:       net,
		db:        db,
	}
}

func (s *SessionService) Register(r gin.IRouter) {
	r.GET("/status", s.getStatus)
	r.PUT("/network", s.setNetwork)
	r.PUT("/power", s.setPower)
}

func (s *SessionService) getStatus(c *gin.Context) {
	st, err := s.status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusOK, st)
}

func (s *SessionService) status(ctx context.Context) (*Status, error) {
	st := &Status{
		Profile:          s.profile,
		UserID:           s.userID,
		Online:           s.engine.IsOnline(),
		Reachability:     s.net.Reachability(),
		PowerConstrained: s.net.PowerConstrained(),
		Syncing:          s.engine.IsSyncing(),
		UptimeMs:         time.Since(s.startedAt).Milliseconds(),
	}
	var err error
	if st.Pending, err = s.engine.PendingCount(ctx); err != nil {
		return nil, err
	}
	if st.Failed, err = s.db.CountBySync(ctx, status.Failed); err != nil {
		return nil, err
	}
	if st.LastDrainAt, err = s.db.GetCheckpointInt(ctx, store.CheckpointLastDrain); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SessionService) setNetwork(c *gin.Context) {
	var req NetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err.Error())
		return
	}
	s.net.SetReachability(netstate.Reachability{Reachable: req.Reachable, Constrained: req.Constrained})
	s.getStatus(c)
}

func (s *SessionService) setPower(c *gin.Context) {
	var req PowerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err.Error())
		return
	}
	s.net.SetPowerConstrained(req.Constrained)
	s.getStatus(c)
}
