package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/nahara-chat/internal/chat"
	"github.com/suPer8Hu/nahara-chat/internal/completion"
	"github.com/suPer8Hu/nahara-chat/internal/config"
	"github.com/suPer8Hu/nahara-chat/internal/logging"
	"github.com/suPer8Hu/nahara-chat/internal/orchestrator"
	"github.com/suPer8Hu/nahara-chat/internal/prompt"
	"github.com/suPer8Hu/nahara-chat/internal/store/rabbitmq"
)

type completeFunc func(ctx context.Context, req *prompt.Request) (*completion.Result, error)

func (f completeFunc) Complete(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
	return f(ctx, req)
}

type published struct{ id, title string }

type fakePublisher struct{ got []published }

func (p *fakePublisher) PublishTitleResult(ctx context.Context, convID, title string) error {
	p.got = append(p.got, published{convID, title})
	return nil
}

func dueConversation(modelID string) chat.Conversation {
	return chat.Conversation{
		ID:      "c1",
		Title:   chat.DefaultTitle,
		ModelID: modelID,
		Messages: []chat.Message{
			{Role: chat.RoleUser, Content: "a"}, {Role: chat.RoleAssistant, Content: "b"},
			{Role: chat.RoleUser, Content: "c"}, {Role: chat.RoleAssistant, Content: "d"},
		},
	}
}

func TestTitleRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, config.Config{StoreBackend: "memory"}, logging.Discard())
	require.NoError(t, err)

	conv, _ := a.Store.Current()
	_, err = a.Store.ReplaceMessages(ctx, conv.ID, dueConversation(conv.ModelID).Messages)
	require.NoError(t, err)
	snapshot, err := a.Store.Get(conv.ID)
	require.NoError(t, err)

	// worker side: no store, just models
	workerGen := orchestrator.NewTitleGenerator(nil, a.Models, completeFunc(func(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
		return &completion.Result{Text: "Alphabet Chat"}, nil
	}), logging.Discard())
	pub := &fakePublisher{}
	body, err := json.Marshal(rabbitmq.TitleJob{Conversation: snapshot})
	require.NoError(t, err)
	require.NoError(t, TitleJobHandler(workerGen, a.Models, pub)(ctx, body))
	require.Len(t, pub.got, 1)
	assert.Equal(t, published{conv.ID, "Alphabet Chat"}, pub.got[0])

	// server side: apply the result
	res, err := json.Marshal(rabbitmq.TitleResult{ConversationID: conv.ID, Title: "Alphabet Chat"})
	require.NoError(t, err)
	require.NoError(t, TitleResultHandler(a.Titles)(ctx, res))

	got, _ := a.Store.Get(conv.ID)
	assert.Equal(t, "Alphabet Chat", got.Title)

	gone, _ := json.Marshal(rabbitmq.TitleResult{ConversationID: "deleted", Title: "x"})
	assert.NoError(t, TitleResultHandler(a.Titles)(ctx, gone))
}

func TestTitleJobHandler_SkipsStaleSnapshot(t *testing.T) {
	core, err := NewCore(config.Config{}, logging.Discard())
	require.NoError(t, err)
	gen := orchestrator.NewTitleGenerator(nil, core.Models, nil, logging.Discard())
	pub := &fakePublisher{}

	conv := dueConversation(core.Models.Default().ID)
	conv.Title = "Already named"
	body, _ := json.Marshal(rabbitmq.TitleJob{Conversation: conv})
	require.NoError(t, TitleJobHandler(gen, core.Models, pub)(context.Background(), body))
	assert.Empty(t, pub.got)
}
