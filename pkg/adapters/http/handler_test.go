// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/leseb/deepsearch-gw/pkg/auth"
	"github.com/leseb/deepsearch-gw/pkg/core/agent"
	"github.com/leseb/deepsearch-gw/pkg/core/api"
	"github.com/leseb/deepsearch-gw/pkg/core/engine"
	"github.com/leseb/deepsearch-gw/pkg/core/state"
	"github.com/leseb/deepsearch-gw/pkg/fetch"
	"github.com/leseb/deepsearch-gw/pkg/kv/memory"
	"github.com/leseb/deepsearch-gw/pkg/ratelimit"
	chatmemory "github.com/leseb/deepsearch-gw/pkg/storage/memory"
	"github.com/leseb/deepsearch-gw/pkg/websearch"
)

const answer = "TypeScript 5.9 is the latest release, see [the blog](https://devblogs.microsoft.com/typescript/)."

type stubSearcher struct{}

func (stubSearcher) Search(_ context.Context, q string, _ int) websearch.Outcome {
	return websearch.Outcome{Query: q, Results: []websearch.SearchResult{}}
}

type stubFetcher struct{}

func (stubFetcher) FetchAll(context.Context, []string) fetch.BulkFetchResult {
	return fetch.BulkFetchResult{AllSucceeded: true}
}

type fixture struct {
	handler *Handler
	chats   state.ChatStore
}

func newFixture(t *testing.T, rl engine.RateLimit) *fixture {
	t.Helper()

	opts := engine.Options{
		Model: agent.NewChatModel(api.NewScriptedClient(api.ScriptedTurn{
			Text:  answer,
			Usage: api.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}), "test-model", nil),
		Searcher:  stubSearcher{},
		Fetcher:   stubFetcher{},
		RateLimit: rl,
	}
	if rl.Limit > 0 {
		store, err := memory.New(memory.Options{SweepSchedule: "off"})
		if err != nil {
			t.Fatalf("memory.New: %v", err)
		}
		t.Cleanup(func() { store.Close(context.Background()) })
		opts.Limiter = ratelimit.New(store)
	}
	eng, err := engine.New(opts)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	tokens, err := auth.ParseTokens("tok-alice:alice,tok-bob:bob")
	if err != nil {
		t.Fatalf("ParseTokens: %v", err)
	}
	chats := chatmemory.New()
	return &fixture{
		handler: New(Options{Engine: eng, Chats: chats, Auth: tokens, SearchProvider: "serper"}),
		chats:   chats,
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

type sseFrame struct {
	event string
	data  string
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			}
		}
		frames = append(frames, f)
	}
	return frames
}

func userMessage(content string) []state.Message {
	return []state.Message{{Role: api.RoleUser, Content: content}}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, engine.RateLimit{})
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" || body["searchProvider"] != "serper" || body["maxSteps"] != float64(agent.DefaultMaxSteps) {
		t.Errorf("body = %v", body)
	}
}

func TestChat_RequestErrors(t *testing.T) {
	f := newFixture(t, engine.RateLimit{})

	tests := []struct {
		name  string
		token string
		body  any
		want  int
	}{
		{"no token", "", ChatRequest{Messages: userMessage("hi"), IsNewChat: true}, http.StatusUnauthorized},
		{"bad token", "nope", ChatRequest{Messages: userMessage("hi"), IsNewChat: true}, http.StatusUnauthorized},
		{"empty messages", "tok-alice", ChatRequest{ChatID: "c1", IsNewChat: true}, http.StatusBadRequest},
		{"bad role", "tok-alice", ChatRequest{Messages: []state.Message{{Role: "robot", Content: "x"}}, IsNewChat: true}, http.StatusBadRequest},
		{"missing chat id", "tok-alice", ChatRequest{Messages: userMessage("hi")}, http.StatusBadRequest},
		{"unknown chat", "tok-alice", ChatRequest{Messages: userMessage("hi"), ChatID: "nope"}, http.StatusNotFound},
		{"malformed body", "tok-alice", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/chat", tt.token, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestChat_NewChatStreamsAndPersists(t *testing.T) {
	f := newFixture(t, engine.RateLimit{})
	question := "What is the latest version of TypeScript? I need it for a migration plan"

	rec := f.do(t, http.MethodPost, "/api/chat", "tok-alice", ChatRequest{
		Messages:  userMessage(question),
		ChatID:    "chat-1",
		IsNewChat: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	frames := parseSSE(t, rec.Body.String())
	if frames[0].event != "data" || !strings.Contains(frames[0].data, `"type":"NEW_CHAT_CREATED"`) || !strings.Contains(frames[0].data, `"chatId":"chat-1"`) {
		t.Errorf("first frame = %+v", frames[0])
	}
	last := frames[len(frames)-1]
	if last.event != "done" {
		t.Fatalf("last frame = %+v", last)
	}
	var done agent.Event
	if err := json.Unmarshal([]byte(last.data), &done); err != nil {
		t.Fatal(err)
	}
	if done.Outcome != agent.OutcomeCompleted || done.Usage == nil || done.Usage.TotalTokens != 15 {
		t.Errorf("done = %+v", done)
	}

	var text strings.Builder
	for _, fr := range frames {
		if fr.event == "text-delta" {
			var ev agent.Event
			json.Unmarshal([]byte(fr.data), &ev) //nolint:errcheck
			text.WriteString(ev.Delta)
		}
	}
	if text.String() != answer {
		t.Errorf("streamed text = %q", text.String())
	}

	chat, err := f.chats.GetChat(context.Background(), "alice", "chat-1")
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if want := question[:50] + "..."; chat.Title != want {
		t.Errorf("title = %q, want %q", chat.Title, want)
	}
	if len(chat.Messages) != 2 || chat.Messages[1].Role != api.RoleAssistant || chat.Messages[1].Content != answer {
		t.Errorf("messages = %+v", chat.Messages)
	}
}

func TestChat_ExistingChatOwnership(t *testing.T) {
	f := newFixture(t, engine.RateLimit{})
	f.do(t, http.MethodPost, "/api/chat", "tok-alice", ChatRequest{Messages: userMessage("first"), ChatID: "c1", IsNewChat: true})

	history := []state.Message{
		{Role: api.RoleUser, Content: "first"},
		{Role: api.RoleAssistant, Content: answer},
		{Role: api.RoleUser, Content: "second"},
	}

	rec := f.do(t, http.MethodPost, "/api/chat", "tok-bob", ChatRequest{Messages: history, ChatID: "c1"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("other user status = %d, want 404", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/chat", "tok-bob", ChatRequest{Messages: history, ChatID: "c1", IsNewChat: true})
	if rec.Code != http.StatusNotFound {
		t.Errorf("other user claiming the id = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/chat", "tok-alice", ChatRequest{Messages: history, ChatID: "c1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("owner status = %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "NEW_CHAT_CREATED") {
		t.Error("existing chat must not announce creation")
	}
	chat, err := f.chats.GetChat(context.Background(), "alice", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.Title != "first..." || len(chat.Messages) != 4 {
		t.Errorf("chat = %q with %d messages", chat.Title, len(chat.Messages))
	}
}

func TestChat_RateLimited(t *testing.T) {
	f := newFixture(t, engine.RateLimit{Limit: 1, Window: time.Minute, PerUser: true})

	rec := f.do(t, http.MethodPost, "/api/chat", "tok-alice", ChatRequest{Messages: userMessage("one"), ChatID: "c1", IsNewChat: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("first turn = %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/chat", "tok-alice", ChatRequest{Messages: userMessage("two"), ChatID: "c2", IsNewChat: true})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second turn = %d, want 429", rec.Code)
	}
	if _, err := f.chats.GetChat(context.Background(), "alice", "c2"); err == nil {
		t.Error("rejected turn must not create a chat")
	}
}

func TestChat_ConfigError(t *testing.T) {
	eng, err := engine.New(engine.Options{ConfigErr: &engine.ConfigError{Setting: "SERPER_API_KEY"}})
	if err != nil {
		t.Fatal(err)
	}
	h := New(Options{Engine: eng, Chats: chatmemory.New()})

	data, _ := json.Marshal(ChatRequest{Messages: userMessage("hi"), IsNewChat: true})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(data)))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "SERPER_API_KEY is not set") {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestChats_ListAndGet(t *testing.T) {
	f := newFixture(t, engine.RateLimit{})
	f.do(t, http.MethodPost, "/api/chat", "tok-alice", ChatRequest{Messages: userMessage("alpha"), ChatID: "a", IsNewChat: true})
	f.do(t, http.MethodPost, "/api/chat", "tok-bob", ChatRequest{Messages: userMessage("bravo"), ChatID: "b", IsNewChat: true})

	rec := f.do(t, http.MethodGet, "/api/chats", "tok-alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list ChatList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Chats) != 1 || list.Chats[0].ID != "a" {
		t.Errorf("alice sees %+v", list.Chats)
	}

	rec = f.do(t, http.MethodGet, "/api/chats/a", "tok-alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var chat state.Chat
	if err := json.Unmarshal(rec.Body.Bytes(), &chat); err != nil {
		t.Fatal(err)
	}
	if chat.ID != "a" || len(chat.Messages) != 2 {
		t.Errorf("chat = %+v", chat)
	}

	if rec := f.do(t, http.MethodGet, "/api/chats/b", "tok-alice", nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign chat status = %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/chats", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous list status = %d, want 401", rec.Code)
	}
}

func TestTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"short", "short..."},
		{strings.Repeat("a", 60), strings.Repeat("a", 50) + "..."},
		{strings.Repeat("é", 55), strings.Repeat("é", 50) + "..."},
	}
	for _, tt := range tests {
		if got := title(tt.in); got != tt.want {
			t.Errorf("title(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChatWebsocket(t *testing.T) {
	f := newFixture(t, engine.RateLimit{})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws?access_token=tok-alice"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow() //nolint:errcheck

	if err := wsjson.Write(ctx, conn, ChatRequest{Messages: userMessage("hello over ws"), ChatID: "ws-1", IsNewChat: true}); err != nil {
		t.Fatal(err)
	}

	var types []string
	for {
		var frame map[string]any
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("Read: %v", err)
		}
		types = append(types, frame["type"].(string))
		if frame["type"] == "done" {
			break
		}
	}
	if types[0] != "NEW_CHAT_CREATED" {
		t.Errorf("frames = %v", types)
	}

	// a rejected turn answers with an error frame and keeps the connection
	if err := wsjson.Write(ctx, conn, ChatRequest{Messages: userMessage("x"), ChatID: "missing"}); err != nil {
		t.Fatal(err)
	}
	var rejected ErrorFrame
	if err := wsjson.Read(ctx, conn, &rejected); err != nil {
		t.Fatal(err)
	}
	if rejected.Type != "error" || rejected.Status != http.StatusNotFound {
		t.Errorf("rejection = %+v", rejected)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	if _, err := f.chats.GetChat(context.Background(), "alice", "ws-1"); err != nil {
		t.Errorf("websocket turn was not persisted: %v", err)
	}

	if _, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/chat/ws", nil); err == nil {
		t.Error("dial without token should fail")
	}
}

func TestChatWebsocket_LargeHistory(t *testing.T) {
	f := newFixture(t, engine.RateLimit{})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws?access_token=tok-alice"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow() //nolint:errcheck
	// the done frame echoes the history back
	conn.SetReadLimit(1 << 20)

	page := strings.Repeat("scraped page text ", 40000/18+1)
	history := []state.Message{
		{Role: api.RoleUser, Content: "what changed in TypeScript?"},
		{Role: api.RoleAssistant, Content: page},
		{Role: api.RoleUser, Content: "and before that?"},
	}
	if err := wsjson.Write(ctx, conn, ChatRequest{Messages: history, ChatID: "ws-big", IsNewChat: true}); err != nil {
		t.Fatal(err)
	}

	for {
		var frame map[string]any
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("Read: %v", err)
		}
		if frame["type"] == "error" {
			t.Fatalf("turn failed: %v", frame)
		}
		if frame["type"] == "done" {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")

	chat, err := f.chats.GetChat(context.Background(), "alice", "ws-big")
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if len(chat.Messages) != 4 || chat.Messages[1].Content != page {
		t.Errorf("stored %d messages", len(chat.Messages))
	}
}

func TestChat_RequestTooLarge(t *testing.T) {
	eng, err := engine.New(engine.Options{
		Model:    agent.NewChatModel(api.NewScriptedClient(api.ScriptedTurn{Text: answer}), "test-model", nil),
		Searcher: stubSearcher{},
		Fetcher:  stubFetcher{},
	})
	if err != nil {
		t.Fatal(err)
	}
	h := New(Options{Engine: eng, Chats: chatmemory.New(), MaxRequestBytes: 1024})

	data, _ := json.Marshal(ChatRequest{Messages: userMessage(strings.Repeat("x", 2048)), IsNewChat: true})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(data)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

// failingChats refuses to store chats.
type failingChats struct{ state.ChatStore }

func (failingChats) UpsertChat(context.Context, state.UpsertChatParams) error {
	return errors.New("disk full")
}

func TestChat_CreateFailureSkipsTheModel(t *testing.T) {
	client := api.NewScriptedClient(api.ScriptedTurn{Text: answer})
	eng, err := engine.New(engine.Options{
		Model:    agent.NewChatModel(client, "test-model", nil),
		Searcher: stubSearcher{},
		Fetcher:  stubFetcher{},
	})
	if err != nil {
		t.Fatal(err)
	}
	h := New(Options{Engine: eng, Chats: failingChats{chatmemory.New()}})

	data, _ := json.Marshal(ChatRequest{Messages: userMessage("hi"), IsNewChat: true})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(data)))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if n := len(client.Requests()); n != 0 {
		t.Errorf("model called %d times for a chat that was never created", n)
	}
}
