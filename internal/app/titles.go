package app

import (
	"context"
	"errors"

	"github.com/suPer8Hu/nahara-chat/internal/chat"
	"github.com/suPer8Hu/nahara-chat/internal/models"
	"github.com/suPer8Hu/nahara-chat/internal/orchestrator"
	"github.com/suPer8Hu/nahara-chat/internal/store/rabbitmq"
)

// ResultPublisher sends proposed titles back to the store owner.
type ResultPublisher interface {
	PublishTitleResult(ctx context.Context, convID, title string) error
}

// TitleJobHandler proposes a title for each job snapshot and publishes it.
// Snapshots that are no longer due are acknowledged without work.
func TitleJobHandler(gen *orchestrator.TitleGenerator, registry *models.Registry, pub ResultPublisher) rabbitmq.Handler {
	return rabbitmq.JobHandler(func(ctx context.Context, job rabbitmq.TitleJob) error {
		conv := job.Conversation
		if !orchestrator.ShouldGenerateTitle(conv, registry.ByID(conv.ModelID)) {
			return nil
		}
		title, err := gen.Propose(ctx, conv)
		if err != nil {
			return err
		}
		return pub.PublishTitleResult(ctx, conv.ID, title)
	})
}

// TitleResultHandler applies proposed titles to the store. A conversation
// deleted in the meantime is not an error.
func TitleResultHandler(gen *orchestrator.TitleGenerator) rabbitmq.Handler {
	return rabbitmq.ResultHandler(func(ctx context.Context, res rabbitmq.TitleResult) error {
		_, err := gen.Apply(ctx, res.ConversationID, res.Title)
		if errors.Is(err, chat.ErrConversationNotFound) {
			return nil
		}
		return err
	})
}
