package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/driftware/chatbridge/pkg/accounts"
	"github.com/driftware/chatbridge/pkg/config"
	"github.com/driftware/chatbridge/pkg/creds"
	"github.com/driftware/chatbridge/pkg/files"
	"github.com/driftware/chatbridge/pkg/imagecache"
	"github.com/driftware/chatbridge/pkg/stats"
	"github.com/driftware/chatbridge/pkg/upstream"
)

var tinyPNG = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 1, 2, 3, 4}

// fakeRemote emulates the enterprise chat service for pipeline tests.
type fakeRemote struct {
	mu          sync.Mutex
	uploads     []string
	lastPrompt  string
	lastFileIDs []string
	chatStatus  int
	chatImages  []map[string]string
	chatText    string
}

func (f *fakeRemote) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/token/exchange", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"key_id": "kid", "secret": "sec"})
	})
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "sess-1"})
	})
	mux.HandleFunc("POST /api/sessions/{sid}/files", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.uploads = append(f.uploads, header.Filename)
		n := len(f.uploads)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "remote-file-" + string(rune('0'+n))})
	})
	mux.HandleFunc("POST /api/sessions/{sid}/messages", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Content string   `json:"content"`
			FileIDs []string `json:"file_ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		f.mu.Lock()
		f.lastPrompt = payload.Content
		f.lastFileIDs = payload.FileIDs
		status := f.chatStatus
		text := f.chatText
		images := f.chatImages
		f.mu.Unlock()
		if status != 0 && status != http.StatusOK {
			http.Error(w, "upstream says no", status)
			return
		}
		if text == "" {
			text = "hello back"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"content": text, "images": images})
	})
	mux.HandleFunc("GET /api/sessions/{sid}/files/{fid}/content", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(tinyPNG)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	pipe   *Pipeline
	remote *fakeRemote
	pool   *accounts.Store
	creds  *creds.Manager
	usage  *stats.Store
}

func newTestEnv(t *testing.T, mutate func(*config.ServerConfig)) *testEnv {
	t.Helper()
	remote := &fakeRemote{}
	srv := remote.server(t)

	cfg := config.NewDefaultServerConfig()
	cfg.Upstream.BaseURL = srv.URL
	cfg.Upstream.TimeoutSeconds = 5
	cfg.Images.Dir = t.TempDir()
	cfg.Cooldowns.ResetTimezone = "UTC"
	cfg.Accounts = []config.AccountConfig{
		{Name: "a", TeamID: "team-a", Cookie: "cookie-a", Enabled: true},
		{Name: "b", TeamID: "team-b", Cookie: "cookie-b", Enabled: true},
	}
	if mutate != nil {
		mutate(cfg)
	}
	store := config.NewStore(t.TempDir()+"/chatbridge.toml", cfg)

	pool := accounts.NewStore(cfg.Accounts, time.UTC)
	client, err := upstream.NewClient(cfg.Upstream)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	credMgr := creds.NewManager(client, pool)
	images, err := imagecache.New(cfg.Images.Dir, cfg.Images.BaseURL)
	if err != nil {
		t.Fatalf("imagecache.New: %v", err)
	}
	usage := stats.NewStore(100, "")
	pipe := New(store, pool, credMgr, client, files.NewRegistry(), images, usage)
	return &testEnv{pipe: pipe, remote: remote, pool: pool, creds: credMgr, usage: usage}
}

func textRequest(content string) Request {
	return Request{
		Chat: openai.ChatCompletionRequest{
			Model: "enterprise-chat",
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: "be brief"},
				{Role: openai.ChatMessageRoleUser, Content: content},
			},
		},
		Host: "bridge.local:8089",
	}
}

func TestCompleteTextOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	res, perr := env.pipe.Complete(context.Background(), textRequest("how are you"))
	if perr != nil {
		t.Fatalf("Complete: %v", perr)
	}
	if res.Text != "hello back" {
		t.Fatalf("text = %q", res.Text)
	}
	if !strings.HasPrefix(res.ID, "chatcmpl-") {
		t.Fatalf("id = %q", res.ID)
	}
	if res.Account != "a" {
		t.Fatalf("account = %q, want first pool member", res.Account)
	}
	if res.Usage.TotalTokens == 0 || res.Usage.TotalTokens != res.Usage.PromptTokens+res.Usage.CompletionTokens {
		t.Fatalf("usage = %+v", res.Usage)
	}
	wantPrompt := "System: be brief\n\nUser: how are you"
	if env.remote.lastPrompt != wantPrompt {
		t.Fatalf("prompt = %q, want %q", env.remote.lastPrompt, wantPrompt)
	}
	if env.usage.Summary(time.Hour).Requests != 1 {
		t.Fatalf("usage event not recorded")
	}
}

func TestCompleteRotatesAccounts(t *testing.T) {
	env := newTestEnv(t, nil)
	first, perr := env.pipe.Complete(context.Background(), textRequest("one"))
	if perr != nil {
		t.Fatalf("Complete: %v", perr)
	}
	second, perr := env.pipe.Complete(context.Background(), textRequest("two"))
	if perr != nil {
		t.Fatalf("Complete: %v", perr)
	}
	if first.Account == second.Account {
		t.Fatalf("both requests used %q, want rotation", first.Account)
	}
}

func TestCompleteUploadsInlineImages(t *testing.T) {
	env := newTestEnv(t, nil)
	req := textRequest("look at this")
	req.Chat.Messages = append(req.Chat.Messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: "what is in the picture"},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
				URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(tinyPNG),
			}},
		},
	})
	if _, perr := env.pipe.Complete(context.Background(), req); perr != nil {
		t.Fatalf("Complete: %v", perr)
	}
	if len(env.remote.uploads) != 1 {
		t.Fatalf("uploads = %v, want the inline image pushed up", env.remote.uploads)
	}
	if len(env.remote.lastFileIDs) != 1 || env.remote.lastFileIDs[0] != "remote-file-1" {
		t.Fatalf("file_ids = %v", env.remote.lastFileIDs)
	}
	if !strings.Contains(env.remote.lastPrompt, "what is in the picture") {
		t.Fatalf("text part missing from prompt: %q", env.remote.lastPrompt)
	}
}

func TestCompleteRejectsRemoteImageURL(t *testing.T) {
	env := newTestEnv(t, nil)
	req := textRequest("x")
	req.Chat.Messages = append(req.Chat.Messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: "https://example.com/cat.png"}},
		},
	})
	_, perr := env.pipe.Complete(context.Background(), req)
	if perr == nil || perr.Category != CategoryInvalidRequest {
		t.Fatalf("perr = %+v, want invalid request", perr)
	}
}

func TestCompleteImageReplyURLMode(t *testing.T) {
	env := newTestEnv(t, nil)
	env.remote.chatImages = []map[string]string{
		{"name": "pic.png", "data": base64.StdEncoding.EncodeToString(tinyPNG)},
	}
	res, perr := env.pipe.Complete(context.Background(), textRequest("draw me"))
	if perr != nil {
		t.Fatalf("Complete: %v", perr)
	}
	if len(res.Images) != 1 {
		t.Fatalf("images = %+v", res.Images)
	}
	url := res.Images[0].URL
	if !strings.HasPrefix(url, "http://bridge.local:8089/image/") {
		t.Fatalf("image url = %q", url)
	}
	if res.Images[0].DataURI != "" {
		t.Fatalf("url mode produced a data URI too: %+v", res.Images[0])
	}
}

func TestCompleteImageReplyBase64Mode(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig) { c.Images.Mode = config.ImageModeBase64 })
	env.remote.chatImages = []map[string]string{
		{"name": "pic.png", "data": base64.StdEncoding.EncodeToString(tinyPNG)},
	}
	res, perr := env.pipe.Complete(context.Background(), textRequest("draw me"))
	if perr != nil {
		t.Fatalf("Complete: %v", perr)
	}
	if len(res.Images) != 1 {
		t.Fatalf("images = %+v", res.Images)
	}
	if !strings.HasPrefix(res.Images[0].DataURI, "data:image/png;base64,") {
		t.Fatalf("data URI = %q", res.Images[0].DataURI)
	}
}

func TestCompleteFetchesAttachmentImages(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig) { c.Images.Mode = config.ImageModeBase64 })
	env.remote.chatImages = []map[string]string{
		{"name": "big.png", "attachment_id": "att-1"},
	}
	res, perr := env.pipe.Complete(context.Background(), textRequest("draw big"))
	if perr != nil {
		t.Fatalf("Complete: %v", perr)
	}
	if len(res.Images) != 1 {
		t.Fatalf("images = %+v", res.Images)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(res.Images[0].DataURI, "data:image/png;base64,"))
	if err != nil || string(decoded) != string(tinyPNG) {
		t.Fatalf("attachment bytes not delivered: %v", err)
	}
}

func TestCompleteAuthFailureCoolsAndInvalidates(t *testing.T) {
	env := newTestEnv(t, nil)
	// Warm credentials so there is something to invalidate.
	if _, perr := env.pipe.Complete(context.Background(), Request{
		Chat:    textRequest("warm").Chat,
		Account: "a",
		Host:    "h",
	}); perr != nil {
		t.Fatalf("warm Complete: %v", perr)
	}
	env.remote.chatStatus = http.StatusUnauthorized

	_, perr := env.pipe.Complete(context.Background(), Request{Chat: textRequest("x").Chat, Account: "a", Host: "h"})
	if perr == nil || perr.Category != CategoryUpstreamUnavailable {
		t.Fatalf("perr = %+v, want upstream unavailable", perr)
	}
	if _, ok := env.creds.TokenIssuedAt(0); ok {
		t.Fatalf("token survived auth failure")
	}
	if _, err := env.pool.Select("a"); err == nil {
		t.Fatalf("account a still eligible after auth failure")
	}
}

func TestCompleteRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	env.remote.chatStatus = http.StatusTooManyRequests
	_, perr := env.pipe.Complete(context.Background(), Request{Chat: textRequest("x").Chat, Account: "b", Host: "h"})
	if perr == nil || perr.Category != CategoryRateLimited {
		t.Fatalf("perr = %+v, want rate limited", perr)
	}
	if perr.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d", perr.Status)
	}
	if _, err := env.pool.Select("b"); err == nil {
		t.Fatalf("account b still eligible after rate limit")
	}
}

func TestCompleteUnknownModel(t *testing.T) {
	env := newTestEnv(t, nil)
	req := textRequest("x")
	req.Chat.Model = "gpt-unknown"
	_, perr := env.pipe.Complete(context.Background(), req)
	if perr == nil || perr.Code != "model_not_found" {
		t.Fatalf("perr = %+v, want model_not_found", perr)
	}
}

func TestCompleteEmptyMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	_, perr := env.pipe.Complete(context.Background(), Request{Chat: openai.ChatCompletionRequest{Model: "enterprise-chat"}})
	if perr == nil || perr.Code != "missing_messages" {
		t.Fatalf("perr = %+v, want missing_messages", perr)
	}
}

func TestUploadFileThenReference(t *testing.T) {
	env := newTestEnv(t, nil)
	mapping, perr := env.pipe.UploadFile(context.Background(), "a", "notes.txt", "text/plain", []byte("hello"))
	if perr != nil {
		t.Fatalf("UploadFile: %v", perr)
	}
	if !strings.HasPrefix(mapping.ID, "file-") || mapping.Account != "a" {
		t.Fatalf("mapping = %+v", mapping)
	}

	req := textRequest("summarize the file")
	req.FileIDs = []string{mapping.ID}
	res, perr := env.pipe.Complete(context.Background(), req)
	if perr != nil {
		t.Fatalf("Complete: %v", perr)
	}
	// The file pins the request to the owning account.
	if res.Account != "a" {
		t.Fatalf("account = %q, want pinned to the uploader", res.Account)
	}
	if len(env.remote.lastFileIDs) != 1 || env.remote.lastFileIDs[0] != mapping.RemoteID {
		t.Fatalf("file_ids = %v, want %q", env.remote.lastFileIDs, mapping.RemoteID)
	}
}

func TestCompleteUnknownFileID(t *testing.T) {
	env := newTestEnv(t, nil)
	req := textRequest("x")
	req.FileIDs = []string{"file-missing"}
	_, perr := env.pipe.Complete(context.Background(), req)
	if perr == nil || perr.Code != "file_not_found" {
		t.Fatalf("perr = %+v, want file_not_found", perr)
	}
}

func TestCompletePinnedMismatchWithFileOwner(t *testing.T) {
	env := newTestEnv(t, nil)
	mapping, perr := env.pipe.UploadFile(context.Background(), "a", "notes.txt", "", []byte("hello"))
	if perr != nil {
		t.Fatalf("UploadFile: %v", perr)
	}
	req := textRequest("x")
	req.FileIDs = []string{mapping.ID}
	req.Account = "b"
	_, perr = env.pipe.Complete(context.Background(), req)
	if perr == nil || perr.Code != "file_account_mismatch" {
		t.Fatalf("perr = %+v, want file_account_mismatch", perr)
	}
}
