package daemon

import (
	"context"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

// followThreads keeps a message subscription open for every stored
// conversation: the ones present now and any the store gains later. The
// returned channel closes once ctx is done.
func followThreads(ctx context.Context, db *store.DB, b *bus.Bus, threads *intsync.Threads, logger *zap.Logger) (<-chan struct{}, error) {
	watch := func(id string) {
		if _, err := threads.Watch(ctx, id); err != nil && ctx.Err() == nil {
			logger.Warn("watch thread", zap.String("conversation", id), zap.Error(err))
		}
	}

	// Subscribe before listing so nothing created in between is missed.
	done := b.Listen(ctx, bus.KindConversationsChanged, 256, func(evt bus.Event) {
		convs, _ := evt.Payload.([]store.Conversation)
		for _, c := range convs {
			watch(c.ID)
		}
	})

	const page = 200
	for offset := 0; ; offset += page {
		convs, err := db.ListConversations(ctx, page, offset, true)
		if err != nil {
			return nil, err
		}
		for _, c := range convs {
			watch(c.ID)
		}
		if len(convs) < page {
			break
		}
	}
	return done, nil
}
