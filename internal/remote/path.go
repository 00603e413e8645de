package remote

import (
	"fmt"
	"strings"
)

// Top-level collections.
const (
	conversationsRoot = "conversations"
	messagesRoot      = "messages"
	usersRoot         = "users"
	typingRoot        = "typing"
	presenceRoot      = "presence"
)

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the parent path and the last segment of path.
func Split(path string) (parent, key string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ValidatePath rejects empty paths and empty segments.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("remote: empty path")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return fmt.Errorf("remote: empty segment in path %q", path)
		}
	}
	return nil
}

func ConversationsPath() string { return conversationsRoot }

func ConversationPath(id string) string { return Join(conversationsRoot, id) }

func MessagesPath(convID string) string { return Join(messagesRoot, convID) }

func MessagePath(convID, id string) string { return Join(messagesRoot, convID, id) }

func UserPath(id string) string { return Join(usersRoot, id) }

func TypingPath(convID string) string { return Join(typingRoot, convID) }

func TypingUserPath(convID, userID string) string { return Join(typingRoot, convID, userID) }

func PresencePath(userID string) string { return Join(presenceRoot, userID) }
