package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// ConversationOpener opens (or creates) the two-party conversation with a peer.
type ConversationOpener interface {
	Open(ctx context.Context, peerID string) (*store.Conversation, error)
}

// ConversationActions changes local conversation state.
type ConversationActions interface {
	MarkRead(ctx context.Context, convID string) error
	SetArchived(ctx context.Context, convID string, archived bool) error
}

// TypingIndicator raises, clears and reports typing flags.
type TypingIndicator interface {
	StartTyping(ctx context.Context, convID, userID string) (bool, error)
	StopTyping(ctx context.Context, convID, userID string) error
	Watch(ctx context.Context, convID string) error
	Typers(convID string) []string
}

type OpenRequest struct {
	PeerID string `json:"peer_id" binding:"required"`
}

type ArchiveRequest struct {
	Archived bool `json:"archived"`
}

type TypingState struct {
	ConversationID string   `json:"conversation_id"`
	UserIDs        []string `json:"user_ids"`
	// Sent is false when a start was absorbed by the throttle.
	Sent bool `json:"sent,omitempty"`
}

// ChatService lists and opens conversations and carries typing state.
type ChatService struct {
	selfID  string
	db      *store.DB
	opener  ConversationOpener
	actions ConversationActions
	typing  TypingIndicator
}

func NewChatService(selfID string, db *store.DB, opener ConversationOpener, actions ConversationActions, typing TypingIndicator) *ChatService {
	return &ChatService{selfID: selfID, db: db, opener: opener, actions: actions, typing: typing}
}

func (s *ChatService) Register(r gin.IRouter) {
	r.GET("/conversations", s.list)
	r.POST("/conversations", s.open)
	r.GET("/conversations/:id", s.get)
	r.POST("/conversations/:id/read", s.markRead)
	r.PUT("/conversations/:id/archive", s.archive)
	r.GET("/conversations/:id/typing", s.typers)
	r.POST("/conversations/:id/typing", s.startTyping)
	r.DELETE("/conversations/:id/typing", s.stopTyping)
}

func (s *ChatService) list(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		validationError(c, err.Error())
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		validationError(c, err.Error())
		return
	}
	archived := c.Query("archived") == "true"

	convs, err := s.db.ListConversations(c.Request.Context(), limit, offset, archived)
	if err != nil {
		writeError(c, err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	success(c, http.StatusOK, convs)
}

func (s *ChatService) get(c *gin.Context) {
	conv, err := s.db.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if conv == nil {
		writeError(c, intsync.ErrConversationNotFound)
		return
	}
	success(c, http.StatusOK, conv)
}

func (s *ChatService) open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err.Error())
		return
	}
	conv, err := s.opener.Open(c.Request.Context(), req.PeerID)
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusCreated, conv)
}

func (s *ChatService) markRead(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.actions.MarkRead(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	s.get(c)
}

func (s *ChatService) archive(c *gin.Context) {
	var req ArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err.Error())
		return
	}
	if err := s.actions.SetArchived(c.Request.Context(), c.Param("id"), req.Archived); err != nil {
		writeError(c, err)
		return
	}
	s.get(c)
}

// typers watches the conversation on first use, so the first answer may be
// empty until the remote set arrives. The watch outlives the request.
func (s *ChatService) typers(c *gin.Context) {
	id := c.Param("id")
	if err := s.typing.Watch(context.WithoutCancel(c.Request.Context()), id); err != nil {
		writeError(c, err)
		return
	}
	users := s.typing.Typers(id)
	if users == nil {
		users = []string{}
	}
	success(c, http.StatusOK, TypingState{ConversationID: id, UserIDs: users})
}

func (s *ChatService) startTyping(c *gin.Context) {
	id := c.Param("id")
	sent, err := s.typing.StartTyping(c.Request.Context(), id, s.selfID)
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusOK, TypingState{ConversationID: id, UserIDs: []string{s.selfID}, Sent: sent})
}

func (s *ChatService) stopTyping(c *gin.Context) {
	id := c.Param("id")
	if err := s.typing.StopTyping(c.Request.Context(), id, s.selfID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}
