package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/nahara-chat/internal/ai"
	"github.com/suPer8Hu/nahara-chat/internal/chat"
	"github.com/suPer8Hu/nahara-chat/internal/completion"
	"github.com/suPer8Hu/nahara-chat/internal/config"
	"github.com/suPer8Hu/nahara-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/nahara-chat/internal/logging"
	"github.com/suPer8Hu/nahara-chat/internal/models"
	"github.com/suPer8Hu/nahara-chat/internal/orchestrator"
	"github.com/suPer8Hu/nahara-chat/internal/prompt"
	"github.com/suPer8Hu/nahara-chat/internal/store"
)

func init() { gin.SetMode(gin.TestMode) }

type completeFunc func(ctx context.Context, req *prompt.Request) (*completion.Result, error)

func (f completeFunc) Complete(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
	return f(ctx, req)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	engine *gin.Engine
	store  *chat.Store
	reg    *models.Registry
	last   *prompt.Request
}

func newTestServer(t *testing.T, fn completeFunc) *testServer {
	t.Helper()
	return newTestServerWithConfig(t, fn, config.Config{MaxBodyBytes: 1 << 20, ChatRateLimit: 0, ChatRateBurst: 1})
}

func newTestServerWithConfig(t *testing.T, fn completeFunc, cfg config.Config) *testServer {
	t.Helper()
	reg, err := models.New(models.Catalogue{
		Default: "flash",
		Models: []models.ModelConfig{
			{ID: "flash", DisplayName: "Flash", SystemPrompt: "SYS", SupportsTitleGeneration: true},
			{ID: "pro", DisplayName: "Pro", SystemPrompt: "SYS", Capabilities: models.Capabilities{Images: true}},
		},
	})
	require.NoError(t, err)
	st, err := chat.Open(context.Background(), store.NewMemory(), reg, chat.Options{Logger: logging.Discard()})
	require.NoError(t, err)

	ts := &testServer{store: st, reg: reg}
	recording := completeFunc(func(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
		ts.last = req
		return fn(ctx, req)
	})
	orch := orchestrator.New(st, reg, recording, nil, logging.Discard())
	h := handlers.NewHandler(reg, st, recording, orch, logging.Discard(), 5*time.Second)
	ts.engine = NewRouter(h, cfg, logging.Discard())
	return ts
}

func ok(text string) completeFunc {
	return func(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
		return &completion.Result{Text: text, Model: req.Model.ID}, nil
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, into any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if into != nil {
		require.NoError(t, json.Unmarshal(env.Data, into))
	}
	return env
}

func TestChat_Text(t *testing.T) {
	ts := newTestServer(t, ok("hello back"))
	w := ts.do(t, http.MethodPost, "/api/chat", gin.H{
		"model":    "flash",
		"messages": []gin.H{{"id": "1", "role": "user", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"text":"hello back"}`, w.Body.String())
}

func TestChat_Warning(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
		return &completion.Result{Outcome: completion.OutcomeFallback, Text: "fb", Warning: "The fallback model Flash was used because Pro failed."}, nil
	})
	w := ts.do(t, http.MethodPost, "/api/chat", gin.H{
		"model":    "pro",
		"messages": []gin.H{{"role": "user", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"text":"fb","warning":"The fallback model Flash was used because Pro failed."}`, w.Body.String())
}

func TestChat_LegacyImageFieldAndUnknownModel(t *testing.T) {
	ts := newTestServer(t, ok("a cat"))
	w := ts.do(t, http.MethodPost, "/api/chat", gin.H{
		"model": "pro",
		"messages": []gin.H{{
			"role":    "user",
			"content": "detect the cat",
			"image":   gin.H{"mimeType": "image/png", "base64": "iVBORw0KGgo="},
		}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, ts.last)
	assert.True(t, ts.last.Structured)

	w = ts.do(t, http.MethodPost, "/api/chat", gin.H{
		"model":    "no-such-model",
		"messages": []gin.H{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "flash", ts.last.Model.ID)
}

func TestChat_ValidationErrors(t *testing.T) {
	called := false
	ts := newTestServer(t, func(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
		called = true
		return nil, nil
	})

	tests := []struct {
		name string
		body any
		want string
	}{
		{"not json", "{", "An array of messages is required"},
		{"missing messages", gin.H{"model": "flash"}, "An array of messages is required"},
		{"messages not array", gin.H{"messages": "hi"}, "An array of messages is required"},
		{"no user message", gin.H{"messages": []gin.H{{"role": "assistant", "content": "hi"}}}, "At least one user message is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/chat", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.JSONEq(t, `{"error":"`+tt.want+`"}`, w.Body.String())
		})
	}
	assert.False(t, called, "validation errors never reach the completion client")
}

func TestChat_ServerErrors(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
		return nil, &completion.AllModelsFailedError{Primary: errors.New("a"), Fallback: errors.New("b")}
	})
	body := gin.H{"messages": []gin.H{{"role": "user", "content": "hi"}}}
	w := ts.do(t, http.MethodPost, "/api/chat", body)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Could not generate response with any available model"}`, w.Body.String())

	ts = newTestServer(t, func(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
		return nil, ai.ErrMissingAPIKey
	})
	w = ts.do(t, http.MethodPost, "/api/chat", body)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "GEMINI_API_KEY")
}

func TestOversizeBodies_KeepEachRouteShape(t *testing.T) {
	ts := newTestServerWithConfig(t, ok("hi"), config.Config{MaxBodyBytes: 64, ChatRateBurst: 1})
	big := gin.H{"messages": []gin.H{{"role": "user", "content": string(bytes.Repeat([]byte("x"), 200))}}}

	w := ts.do(t, http.MethodPost, "/api/chat", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.JSONEq(t, `{"error":"Request body too large"}`, w.Body.String())

	// no Content-Length: the cap is hit while decoding
	raw, err := json.Marshal(big)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(raw))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.JSONEq(t, `{"error":"Request body too large"}`, w.Body.String())

	cur, found := ts.store.Current()
	require.True(t, found)
	w = ts.do(t, http.MethodPost, "/api/conversations/"+cur.ID+"/messages", gin.H{"text": string(bytes.Repeat([]byte("x"), 200))})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, 41300, decodeEnvelope(t, w, nil).Code)
}

func TestConversations_Lifecycle(t *testing.T) {
	ts := newTestServer(t, ok("answer"))

	w := ts.do(t, http.MethodGet, "/api/conversations/current", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var first chat.Conversation
	decodeEnvelope(t, w, &first)
	assert.Equal(t, chat.DefaultTitle, first.Title)

	w = ts.do(t, http.MethodPost, "/api/conversations", gin.H{"model_id": "flash"})
	require.Equal(t, http.StatusOK, w.Code)
	var second chat.Conversation
	decodeEnvelope(t, w, &second)
	assert.NotEqual(t, first.ID, second.ID)

	w = ts.do(t, http.MethodPatch, "/api/conversations/"+second.ID, gin.H{"title": "  Trip  "})
	require.Equal(t, http.StatusOK, w.Code)
	var renamed chat.Conversation
	decodeEnvelope(t, w, &renamed)
	assert.Equal(t, "Trip", renamed.Title)

	w = ts.do(t, http.MethodGet, "/api/conversations?model_id=flash", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Conversations []chat.Conversation `json:"conversations"`
		CurrentID     string              `json:"current_conversation_id"`
	}
	decodeEnvelope(t, w, &list)
	require.Len(t, list.Conversations, 2)
	assert.Equal(t, second.ID, list.Conversations[0].ID)
	assert.Equal(t, second.ID, list.CurrentID)

	w = ts.do(t, http.MethodPost, "/api/conversations/"+first.ID+"/select", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cur, _ := ts.store.Current()
	assert.Equal(t, first.ID, cur.ID)

	w = ts.do(t, http.MethodDelete, "/api/conversations/"+first.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cur, _ = ts.store.Current()
	assert.Equal(t, second.ID, cur.ID)

	w = ts.do(t, http.MethodGet, "/api/conversations/"+first.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40401, decodeEnvelope(t, w, nil).Code)
}

func TestConversations_ReplaceMessages(t *testing.T) {
	ts := newTestServer(t, ok("x"))
	cur, _ := ts.store.Current()

	w := ts.do(t, http.MethodPut, "/api/conversations/"+cur.ID+"/messages", gin.H{
		"messages": []gin.H{
			{"role": "user", "content": "q"},
			{"role": "assistant", "content": "a"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	got, _ := ts.store.Get(cur.ID)
	assert.Len(t, got.Messages, 2)

	w = ts.do(t, http.MethodPut, "/api/conversations/"+cur.ID+"/messages", gin.H{
		"messages": []gin.H{{"role": "user", "content": ""}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConversations_ReplaceMessagesConflictsWithTurn(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ts := newTestServer(t, func(ctx context.Context, req *prompt.Request) (*completion.Result, error) {
		close(started)
		<-release
		return &completion.Result{Text: "answer", Model: req.Model.ID}, nil
	})
	cur, found := ts.store.Current()
	require.True(t, found)

	done := make(chan int, 1)
	go func() {
		done <- ts.do(t, http.MethodPost, "/api/conversations/"+cur.ID+"/messages", gin.H{"text": "question"}).Code
	}()
	<-started

	replace := gin.H{"messages": []gin.H{{"role": "user", "content": "synced"}}}
	w := ts.do(t, http.MethodPut, "/api/conversations/"+cur.ID+"/messages", replace)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 40901, decodeEnvelope(t, w, nil).Code)

	close(release)
	assert.Equal(t, http.StatusOK, <-done)

	conv, err := ts.store.Get(cur.ID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "question", conv.Messages[0].Content)

	w = ts.do(t, http.MethodPut, "/api/conversations/"+cur.ID+"/messages", replace)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestModels_SelectSwitchesConversation(t *testing.T) {
	ts := newTestServer(t, ok("x"))

	w := ts.do(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Models  []models.ModelConfig `json:"models"`
		Default string               `json:"default"`
		Active  string               `json:"active"`
	}
	decodeEnvelope(t, w, &listing)
	assert.Len(t, listing.Models, 2)
	assert.Equal(t, "flash", listing.Active)

	w = ts.do(t, http.MethodPut, "/api/models/active", gin.H{"model_id": "pro"})
	require.Equal(t, http.StatusOK, w.Code)
	var sel struct {
		Conversation chat.Conversation `json:"conversation"`
	}
	decodeEnvelope(t, w, &sel)
	assert.Equal(t, "pro", sel.Conversation.ModelID)
	assert.Equal(t, chat.DefaultTitle, sel.Conversation.Title)
	assert.Equal(t, "pro", ts.store.ActiveModel().ID)

	w = ts.do(t, http.MethodPut, "/api/models/active", gin.H{"model_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitMessage_JSONAndMultipart(t *testing.T) {
	ts := newTestServer(t, ok("hi!"))
	cur, _ := ts.store.Current()

	w := ts.do(t, http.MethodPost, "/api/conversations/"+cur.ID+"/messages", gin.H{"text": "hello"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Text      string       `json:"text"`
		Cancelled bool         `json:"cancelled"`
		Message   chat.Message `json:"message"`
	}
	decodeEnvelope(t, w, &res)
	assert.Equal(t, "hi!", res.Text)
	assert.Equal(t, chat.RoleAssistant, res.Message.Role)

	conv := ts.store.SelectModel(context.Background(), "pro")
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("text", "what is this"))
	fw, err := mw.CreateFormFile("files", "cat.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/"+conv.ID+"/messages", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w = httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stored, _ := ts.store.Get(conv.ID)
	require.Len(t, stored.Messages[0].Attachments, 1)
	assert.Equal(t, "image/png", stored.Messages[0].Attachments[0].MIMEType)
	assert.Equal(t, "cat.png", stored.Messages[0].Attachments[0].FileName)
}

func TestSubmitMessage_Errors(t *testing.T) {
	ts := newTestServer(t, ok("x"))
	cur, _ := ts.store.Current()

	w := ts.do(t, http.MethodPost, "/api/conversations/"+cur.ID+"/messages", gin.H{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/conversations/missing/messages", gin.H{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/conversations/"+cur.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Cancelled bool `json:"cancelled"`
	}
	decodeEnvelope(t, w, &res)
	assert.False(t, res.Cancelled)
}

func TestRouter_NotFoundAndCORS(t *testing.T) {
	ts := newTestServer(t, ok("x"))
	w := ts.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40400, decodeEnvelope(t, w, nil).Code)

	handler := WithCORS(ts.engine, []string{"http://localhost:3000"})
	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
