package orchestrator

import (
	"context"

	"github.com/suPer8Hu/nahara-chat/internal/chat"
	"github.com/suPer8Hu/nahara-chat/internal/worker"
)

// TitleQueue schedules title generation outside the chat turn. conv is the
// snapshot that made the title due.
type TitleQueue interface {
	Enqueue(ctx context.Context, conv chat.Conversation) error
}

// QueueFunc adapts a function to TitleQueue.
type QueueFunc func(ctx context.Context, conv chat.Conversation) error

func (f QueueFunc) Enqueue(ctx context.Context, conv chat.Conversation) error { return f(ctx, conv) }

// LocalQueue runs title jobs on an in-process worker pool against the live
// store, so the snapshot is only used for its id.
type LocalQueue struct {
	pool *worker.Pool
	gen  *TitleGenerator
}

func NewLocalQueue(pool *worker.Pool, gen *TitleGenerator) *LocalQueue {
	return &LocalQueue{pool: pool, gen: gen}
}

func (q *LocalQueue) Enqueue(ctx context.Context, conv chat.Conversation) error {
	id := conv.ID
	return q.pool.Submit(worker.Task{
		Name: "title:" + id,
		Run: func(ctx context.Context) error {
			return q.gen.Run(ctx, id)
		},
	})
}
