package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xaenox/botrelay/internal/models"
	"github.com/xaenox/botrelay/internal/storage"
	"github.com/xaenox/botrelay/internal/supervisor"
	"go.uber.org/zap"
)

type fakeClient struct {
	valid   map[string]bool
	sendErr error

	mu   sync.Mutex
	sent []string
}

func (f *fakeClient) VerifyCredential(ctx context.Context, token string) bool {
	return f.valid[token]
}

func (f *fakeClient) Receive(ctx context.Context, botID int64, token string) (<-chan models.InboundEvent, error) {
	out := make(chan models.InboundEvent)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func (f *fakeClient) SendText(ctx context.Context, token string, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return f.sendErr
}

type testServer struct {
	srv    *httptest.Server
	store  *storage.MemoryStorage
	sup    *supervisor.Supervisor
	client *fakeClient
}

func newTestServer(t *testing.T, checks map[string]Check) *testServer {
	t.Helper()

	store := storage.NewMemoryStorage()
	client := &fakeClient{valid: map[string]bool{"111:good": true, "222:good": true}}
	logger := zap.NewNop()
	sup := supervisor.New(supervisor.Config{StopTimeout: time.Second}, supervisor.Deps{
		Client: client,
		Store:  store,
		Logger: logger,
	})
	h := NewHandler(store, sup, client, nil, logger)
	srv := httptest.NewServer(NewRouter(RouterConfig{}, h, NewHealthHandler(checks), logger))

	t.Cleanup(func() {
		srv.Close()
		_ = sup.StopAll(context.Background())
	})
	return &testServer{srv: srv, store: store, sup: sup, client: client}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type botResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Personality string `json:"personality"`
	IsActive    bool   `json:"is_active"`
	Running     bool   `json:"running"`
	Token       string `json:"token"`
}

func TestCreateBot(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/v1/bots", createBotRequest{Token: "111:good", Name: "Shop", Personality: "storefront"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status mismatch: got %d want %d", resp.StatusCode, http.StatusCreated)
	}
	var bot botResponse
	decode(t, resp, &bot)
	if bot.ID == 0 || !bot.IsActive || !bot.Running || bot.Personality != "storefront" {
		t.Fatalf("created bot mismatch: %+v", bot)
	}
	if bot.Token != "" {
		t.Fatalf("token leaked in response: %q", bot.Token)
	}
	if !ts.sup.IsRunning(bot.ID) {
		t.Fatalf("created bot is not running")
	}
}

func TestCreateBotRejections(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	if resp := ts.do(t, http.MethodPost, "/api/v1/bots", createBotRequest{Token: "111:good", Name: "a"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create status: got %d", resp.StatusCode)
	}
	longest := createBotRequest{Token: "222:good", Name: strings.Repeat("б", models.MaxBotNameLength)}
	if resp := ts.do(t, http.MethodPost, "/api/v1/bots", longest); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create with a %d-character name status: got %d", models.MaxBotNameLength, resp.StatusCode)
	}

	tests := []struct {
		name string
		req  createBotRequest
		want int
	}{
		{"duplicate token", createBotRequest{Token: "111:good", Name: "b"}, http.StatusConflict},
		{"invalid token", createBotRequest{Token: "999:bad", Name: "c"}, http.StatusBadRequest},
		{"missing token", createBotRequest{Name: "d"}, http.StatusBadRequest},
		{"missing name", createBotRequest{Token: "222:good"}, http.StatusBadRequest},
		{"name too long", createBotRequest{Token: "222:good", Name: strings.Repeat("б", models.MaxBotNameLength+1)}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp := ts.do(t, http.MethodPost, "/api/v1/bots", tt.req)
		if resp.StatusCode != tt.want {
			t.Fatalf("%s: status mismatch: got %d want %d", tt.name, resp.StatusCode, tt.want)
		}
	}

	bots, _ := ts.store.ListBots(context.Background())
	if len(bots) != 2 {
		t.Fatalf("bots mismatch: got %d want 2", len(bots))
	}
}

func TestListBotsReportsRunning(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	idle := &models.Bot{Token: "222:good", Name: "idle", Personality: models.Generic}
	if err := ts.store.CreateBot(context.Background(), idle); err != nil {
		t.Fatalf("CreateBot() error = %v", err)
	}
	ts.do(t, http.MethodPost, "/api/v1/bots", createBotRequest{Token: "111:good", Name: "live"})

	var bots []botResponse
	decode(t, ts.do(t, http.MethodGet, "/api/v1/bots", nil), &bots)
	if len(bots) != 2 {
		t.Fatalf("bots mismatch: got %d want 2", len(bots))
	}
	if bots[0].Name != "live" || !bots[0].Running || bots[1].Running {
		t.Fatalf("running flags mismatch: %+v", bots)
	}
}

func TestToggleBot(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	var bot botResponse
	decode(t, ts.do(t, http.MethodPost, "/api/v1/bots", createBotRequest{Token: "111:good", Name: "a"}), &bot)
	path := "/api/v1/bots/" + strconv.FormatInt(bot.ID, 10) + "/toggle"

	var off botResponse
	decode(t, ts.do(t, http.MethodPost, path, nil), &off)
	if off.IsActive || off.Running || ts.sup.IsRunning(bot.ID) {
		t.Fatalf("toggle off mismatch: %+v", off)
	}
	stored, _ := ts.store.GetBot(context.Background(), bot.ID)
	if stored.IsActive {
		t.Fatalf("bot still active in store after toggle off")
	}

	var on botResponse
	decode(t, ts.do(t, http.MethodPost, path, nil), &on)
	if !on.IsActive || !on.Running {
		t.Fatalf("toggle on mismatch: %+v", on)
	}

	if resp := ts.do(t, http.MethodPost, "/api/v1/bots/4040/toggle", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown bot status: got %d want %d", resp.StatusCode, http.StatusNotFound)
	}
	if resp := ts.do(t, http.MethodPost, "/api/v1/bots/abc/toggle", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid id status: got %d want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestToggleOnWithRevokedToken(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	bot := &models.Bot{Token: "333:revoked", Name: "old", Personality: models.Generic}
	if err := ts.store.CreateBot(context.Background(), bot); err != nil {
		t.Fatalf("CreateBot() error = %v", err)
	}

	resp := ts.do(t, http.MethodPost, "/api/v1/bots/"+strconv.FormatInt(bot.ID, 10)+"/toggle", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status mismatch: got %d want %d", resp.StatusCode, http.StatusBadRequest)
	}
	stored, _ := ts.store.GetBot(context.Background(), bot.ID)
	if stored.IsActive {
		t.Fatalf("bot with a revoked token left active")
	}
}

func seedChat(t *testing.T, store *storage.MemoryStorage, botID, chatID int64, texts ...string) {
	t.Helper()
	ctx := context.Background()
	for _, text := range texts {
		msg := &models.Message{BotID: botID, ChatID: chatID, Text: text, Direction: models.Incoming}
		if _, _, err := store.RecordInbound(ctx, msg, "Alice"); err != nil {
			t.Fatalf("RecordInbound() error = %v", err)
		}
	}
}

func createInactiveBot(t *testing.T, store *storage.MemoryStorage) *models.Bot {
	t.Helper()
	bot := &models.Bot{Token: "111:good", Name: "inbox", Personality: models.Generic}
	if err := store.CreateBot(context.Background(), bot); err != nil {
		t.Fatalf("CreateBot() error = %v", err)
	}
	return bot
}

func TestChatsAndMessages(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	bot := createInactiveBot(t, ts.store)
	seedChat(t, ts.store, bot.ID, 42, "hi", "hello?")
	base := "/api/v1/bots/" + strconv.FormatInt(bot.ID, 10)

	var chats []models.Chat
	decode(t, ts.do(t, http.MethodGet, base+"/chats", nil), &chats)
	if len(chats) != 1 || chats[0].Unread != 2 || chats[0].LastMessage != "hello?" {
		t.Fatalf("chats mismatch: %+v", chats)
	}

	var listed chatMessagesResponse
	decode(t, ts.do(t, http.MethodGet, base+"/chats/42/messages", nil), &listed)
	if len(listed.Messages) != 2 || listed.Messages[0].Text != "hi" || listed.Chat.Unread != 0 {
		t.Fatalf("messages mismatch: %+v", listed)
	}
	chat, _ := ts.store.GetChat(context.Background(), bot.ID, 42)
	if chat.Unread != 0 {
		t.Fatalf("viewing a chat must reset unread: got %d", chat.Unread)
	}

	resp := ts.do(t, http.MethodPost, base+"/chats/42/messages", sendMessageRequest{Text: "how can I help?"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status mismatch: got %d want %d", resp.StatusCode, http.StatusAccepted)
	}
	var sent sendMessageResponse
	decode(t, resp, &sent)
	if !sent.Delivered || sent.Message.Direction != models.Outgoing || sent.Message.ID == 0 {
		t.Fatalf("send response mismatch: %+v", sent)
	}

	chat, _ = ts.store.GetChat(context.Background(), bot.ID, 42)
	if chat.LastMessage != "how can I help?" || chat.Unread != 0 {
		t.Fatalf("chat after reply mismatch: %+v", chat)
	}
	ts.client.mu.Lock()
	defer ts.client.mu.Unlock()
	if len(ts.client.sent) != 1 || ts.client.sent[0] != "how can I help?" {
		t.Fatalf("platform send mismatch: %v", ts.client.sent)
	}
}

func TestSendMessageKeepsReplyWhenDeliveryFails(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.client.sendErr = errors.New("bad gateway")
	bot := createInactiveBot(t, ts.store)
	seedChat(t, ts.store, bot.ID, 7, "ping")

	resp := ts.do(t, http.MethodPost, "/api/v1/bots/"+strconv.FormatInt(bot.ID, 10)+"/chats/7/messages", sendMessageRequest{Text: "pong"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status mismatch: got %d want %d", resp.StatusCode, http.StatusAccepted)
	}
	var sent sendMessageResponse
	decode(t, resp, &sent)
	if sent.Delivered {
		t.Fatalf("delivered = true for a failed send")
	}

	msgs, _ := ts.store.ListMessages(context.Background(), bot.ID, 7)
	if len(msgs) != 2 || msgs[1].Text != "pong" || msgs[1].Direction != models.Outgoing {
		t.Fatalf("reply must stay persisted: %+v", msgs)
	}
}

func TestChatErrors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	bot := createInactiveBot(t, ts.store)
	base := "/api/v1/bots/" + strconv.FormatInt(bot.ID, 10)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"unknown bot chats", http.MethodGet, "/api/v1/bots/999/chats", nil, http.StatusNotFound},
		{"unknown chat", http.MethodGet, base + "/chats/5/messages", nil, http.StatusNotFound},
		{"invalid chat id", http.MethodGet, base + "/chats/x/messages", nil, http.StatusBadRequest},
		{"empty reply", http.MethodPost, base + "/chats/5/messages", sendMessageRequest{Text: "  "}, http.StatusBadRequest},
		{"reply to unknown chat", http.MethodPost, base + "/chats/5/messages", sendMessageRequest{Text: "hi"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		resp := ts.do(t, tt.method, tt.path, tt.body)
		if resp.StatusCode != tt.want {
			t.Fatalf("%s: status mismatch: got %d want %d", tt.name, resp.StatusCode, tt.want)
		}
	}
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, map[string]Check{
		"nats": func(context.Context) error { return errors.New("not connected") },
	})

	resp := ts.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status: got %d want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.Header.Get(CorrelationHeader) == "" {
		t.Fatalf("correlation id header missing")
	}

	resp = ts.do(t, http.MethodGet, "/ready", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready status: got %d want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}

	ok := newTestServer(t, nil)
	if resp := ok.do(t, http.MethodGet, "/ready", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status: got %d want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	client := &fakeClient{valid: map[string]bool{}}
	sup := supervisor.New(supervisor.Config{}, supervisor.Deps{Client: client, Store: store})
	h := NewHandler(store, sup, client, nil, zap.NewNop())
	srv := httptest.NewServer(NewRouter(RouterConfig{RateLimit: 2, RateWindow: time.Minute}, h, NewHealthHandler(nil), zap.NewNop()))
	defer srv.Close()

	var last int
	for i := 0; i < 3; i++ {
		resp, err := srv.Client().Get(srv.URL + "/api/v1/bots")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request status: got %d want %d", last, http.StatusTooManyRequests)
	}
}
