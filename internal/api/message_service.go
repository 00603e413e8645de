package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// MessageSender queues an outgoing message.
type MessageSender interface {
	Send(ctx context.Context, convID, text string) (*store.Message, error)
}

type SendRequest struct {
	Text string `json:"text"`
}

// MessagePage is one page of a thread, oldest first. NextBefore is the
// cursor of the page before it, empty when this page is the oldest.
type MessagePage struct {
	Messages   []store.ThreadEntry `json:"messages"`
	NextBefore string              `json:"next_before,omitempty"`
}

// MessageService pages threads and sends messages.
type MessageService struct {
	db     *store.DB
	sender MessageSender
}

func NewMessageService(db *store.DB, sender MessageSender) *MessageService {
	return &MessageService{db: db, sender: sender}
}

func (s *MessageService) Register(r gin.IRouter) {
	r.GET("/conversations/:id/messages", s.list)
	r.POST("/conversations/:id/messages", s.send)
}

func (s *MessageService) list(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		validationError(c, err.Error())
		return
	}
	before, err := ParseCursor(c.Query("before"))
	if err != nil {
		validationError(c, err.Error())
		return
	}

	conv, err := s.db.GetConversation(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if conv == nil {
		writeError(c, intsync.ErrConversationNotFound)
		return
	}

	entries, err := s.db.ListThread(ctx, id, before, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	page := MessagePage{Messages: entries}
	if page.Messages == nil {
		page.Messages = []store.ThreadEntry{}
	}
	if limit > 0 && len(entries) == limit {
		page.NextBefore = FormatCursor(entries[0].Cursor())
	}
	success(c, http.StatusOK, page)
}

func (s *MessageService) send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err.Error())
		return
	}
	msg, err := s.sender.Send(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, http.StatusCreated, msg)
}

// FormatCursor encodes a thread cursor as "<order key>.<local seq>".
func FormatCursor(cur store.Cursor) string {
	return strconv.FormatInt(cur.OrderKey, 10) + "." + strconv.FormatInt(cur.LocalSeq, 10)
}

// ParseCursor decodes FormatCursor's output. An empty string is the zero
// cursor, which starts at the newest message.
func ParseCursor(s string) (store.Cursor, error) {
	if s == "" {
		return store.Cursor{}, nil
	}
	key, seq, ok := strings.Cut(s, ".")
	if !ok {
		return store.Cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	var cur store.Cursor
	var err error
	if cur.OrderKey, err = strconv.ParseInt(key, 10, 64); err != nil {
		return store.Cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	if cur.LocalSeq, err = strconv.ParseInt(seq, 10, 64); err != nil {
		return store.Cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	return cur, nil
}
