package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/nahara-chat/internal/chat"
	"github.com/suPer8Hu/nahara-chat/internal/completion"
	"github.com/suPer8Hu/nahara-chat/internal/logging"
	"github.com/suPer8Hu/nahara-chat/internal/models"
	"github.com/suPer8Hu/nahara-chat/internal/prompt"
	"github.com/suPer8Hu/nahara-chat/internal/worker"
)

func exchange(n int) []chat.Message {
	var out []chat.Message
	for i := 0; i < n; i++ {
		out = append(out,
			chat.Message{Role: chat.RoleUser, Content: "question"},
			chat.Message{Role: chat.RoleAssistant, Content: "answer"},
		)
	}
	return out
}

func TestShouldGenerateTitle(t *testing.T) {
	titled := models.ModelConfig{SupportsTitleGeneration: true}
	untitled := models.ModelConfig{}

	tests := []struct {
		name  string
		conv  chat.Conversation
		model models.ModelConfig
		want  bool
	}{
		{"two exchanges", chat.Conversation{Title: chat.DefaultTitle, Messages: exchange(2)}, titled, true},
		{"one exchange", chat.Conversation{Title: chat.DefaultTitle, Messages: exchange(1)}, titled, false},
		{"renamed", chat.Conversation{Title: "Trip plans", Messages: exchange(3)}, titled, false},
		{"model opts out", chat.Conversation{Title: chat.DefaultTitle, Messages: exchange(2)}, untitled, false},
		{"users without replies", chat.Conversation{Title: chat.DefaultTitle, Messages: append(exchange(1),
			chat.Message{Role: chat.RoleUser, Content: "a"}, chat.Message{Role: chat.RoleUser, Content: "b"})}, titled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldGenerateTitle(tt.conv, tt.model))
		})
	}
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Paris Trip Ideas", cleanTitle("  \"Paris Trip Ideas\"\n"))
	assert.Equal(t, "Cats", cleanTitle("\n\nTitle: Cats\nmore text"))
	assert.Equal(t, "", cleanTitle("  \n "))
	assert.Equal(t, chat.MaxTitleLength, len([]rune(cleanTitle(strings.Repeat("é", 300)))))
}

func TestTitlePrompt_LabelsRoles(t *testing.T) {
	p := titlePrompt([]chat.Message{
		{Role: chat.RoleUser, Content: "hi"},
		{Role: chat.RoleAssistant, Content: "hello"},
	})
	assert.Contains(t, p, "User: hi\nNahara: hello\n")
	assert.True(t, strings.HasSuffix(p, "Title:"))
}

func seedConversation(t *testing.T, f *fixture) {
	t.Helper()
	_, err := f.store.ReplaceMessages(context.Background(), f.conv.ID, exchange(2))
	require.NoError(t, err)
}

func TestGenerate_RenamesWithTitleModel(t *testing.T) {
	var got *prompt.Request
	f := newFixture(t, nil)
	gen := NewTitleGenerator(f.store, f.reg, completeFunc(func(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
		got = req
		return &completion.Result{Text: "  \"Weekend Plans\"  ", Model: req.Model.ID}, nil
	}), logging.Discard())
	seedConversation(t, f)

	title, err := gen.Generate(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Weekend Plans", title)

	conv, err := f.store.Get(f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Weekend Plans", conv.Title)

	require.NotNil(t, got)
	assert.Equal(t, f.reg.TitleModel().ID, got.Model.ID)
	assert.Contains(t, got.Upstream.Contents[0].Parts[0].Text, "User: question")
}

func TestGenerate_NotDueIsNoop(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, nil)
	gen := NewTitleGenerator(f.store, f.reg, completeFunc(func(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
		calls.Add(1)
		return &completion.Result{Text: "x"}, nil
	}), logging.Discard())

	title, err := gen.Generate(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Empty(t, title)
	assert.Zero(t, calls.Load())
}

func TestGenerate_DoesNotOverwriteUserTitle(t *testing.T) {
	f := newFixture(t, nil)
	seedConversation(t, f)
	gen := NewTitleGenerator(f.store, f.reg, completeFunc(func(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
		// the user renames while the title request is in flight
		_, err := f.store.Rename(ctx, f.conv.ID, "Mine")
		require.NoError(t, err)
		return &completion.Result{Text: "Generated"}, nil
	}), logging.Discard())

	title, err := gen.Generate(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Empty(t, title)
	conv, _ := f.store.Get(f.conv.ID)
	assert.Equal(t, "Mine", conv.Title)
}

func TestGenerate_FailureLeavesTitle(t *testing.T) {
	f := newFixture(t, nil)
	seedConversation(t, f)
	gen := NewTitleGenerator(f.store, f.reg, completeFunc(func(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
		return nil, completion.ErrAllModelsFailed
	}), logging.Discard())

	_, err := gen.Generate(context.Background(), f.conv.ID)
	assert.True(t, errors.Is(err, completion.ErrAllModelsFailed))
	assert.NoError(t, gen.Run(context.Background(), f.conv.ID), "Run swallows errors")

	conv, _ := f.store.Get(f.conv.ID)
	assert.Equal(t, chat.DefaultTitle, conv.Title)
}

func TestGenerate_EmptyResponse(t *testing.T) {
	f := newFixture(t, nil)
	seedConversation(t, f)
	gen := NewTitleGenerator(f.store, f.reg, completeFunc(func(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
		return &completion.Result{Text: "\"\""}, nil
	}), logging.Discard())
	_, err := gen.Generate(context.Background(), f.conv.ID)
	assert.ErrorIs(t, err, ErrEmptyTitle)
}

func TestGenerate_OneInFlightPerConversation(t *testing.T) {
	f := newFixture(t, nil)
	seedConversation(t, f)

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	gen := NewTitleGenerator(f.store, f.reg, completeFunc(func(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return &completion.Result{Text: "Only Once"}, nil
	}), logging.Discard())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = gen.Generate(context.Background(), f.conv.ID)
	}()
	<-entered

	title, err := gen.Generate(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Empty(t, title)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestLocalQueue_RunsGenerator(t *testing.T) {
	f := newFixture(t, nil)
	seedConversation(t, f)
	gen := NewTitleGenerator(f.store, f.reg, reply("Queued Title"), logging.Discard())

	pool := worker.NewPool(1, logging.Discard())
	q := NewLocalQueue(pool, gen)
	require.NoError(t, q.Enqueue(context.Background(), f.conv))
	require.NoError(t, pool.Close(context.Background()))

	conv, _ := f.store.Get(f.conv.ID)
	assert.Equal(t, "Queued Title", conv.Title)
}

func TestQueueFunc(t *testing.T) {
	var got string
	var q TitleQueue = QueueFunc(func(ctx context.Context, conv chat.Conversation) error {
		got = conv.ID
		return nil
	})
	require.NoError(t, q.Enqueue(context.Background(), chat.Conversation{ID: "c1"}))
	assert.Equal(t, "c1", got)
}

func TestPropose_WithoutStore(t *testing.T) {
	reg := testRegistry(t)
	gen := NewTitleGenerator(nil, reg, reply("Remote Title"), logging.Discard())
	title, err := gen.Propose(context.Background(), chat.Conversation{ID: "c1", Messages: exchange(2)})
	require.NoError(t, err)
	assert.Equal(t, "Remote Title", title)
}

func TestApply_OnlyOverDefault(t *testing.T) {
	f := newFixture(t, nil)
	gen := NewTitleGenerator(f.store, f.reg, nil, logging.Discard())

	applied, err := gen.Apply(context.Background(), f.conv.ID, "First")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = gen.Apply(context.Background(), f.conv.ID, "Second")
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = gen.Apply(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)
}
