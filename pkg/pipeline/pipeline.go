// Package pipeline turns OpenAI-style chat completion requests into calls
// against the remote enterprise chat service: it picks a pooled account,
// ensures fresh credentials, uploads referenced attachments, sends the
// flattened prompt, and renders the heterogeneous reply back into an OpenAI
// response shape.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/driftware/chatbridge/pkg/accounts"
	"github.com/driftware/chatbridge/pkg/config"
	"github.com/driftware/chatbridge/pkg/creds"
	"github.com/driftware/chatbridge/pkg/files"
	"github.com/driftware/chatbridge/pkg/imagecache"
	"github.com/driftware/chatbridge/pkg/stats"
	"github.com/driftware/chatbridge/pkg/upstream"
)

type Pipeline struct {
	cfg    *config.Store
	store  *accounts.Store
	creds  *creds.Manager
	client *upstream.Client
	files  *files.Registry
	images *imagecache.Cache
	stats  *stats.Store
	now    func() time.Time
}

func New(cfg *config.Store, store *accounts.Store, credMgr *creds.Manager, client *upstream.Client, registry *files.Registry, images *imagecache.Cache, usage *stats.Store) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		store:  store,
		creds:  credMgr,
		client: client,
		files:  registry,
		images: images,
		stats:  usage,
		now:    func() time.Time { return time.Now() },
	}
}

// SetNowFunc overrides the wall clock, for tests.
func (p *Pipeline) SetNowFunc(now func() time.Time) {
	p.now = now
}

// Request is one chat completion to execute. Account optionally pins a pool
// member by name, bypassing rotation but not cooldown eligibility.
type Request struct {
	Chat    openai.ChatCompletionRequest
	FileIDs []string
	Account string
	Host    string
	TLS     bool
}

// Image is a generated image already converted into its delivery form.
type Image struct {
	URL     string
	DataURI string
}

func (i Image) Ref() string {
	if i.URL != "" {
		return i.URL
	}
	return i.DataURI
}

// Result carries everything needed to render either the buffered or the
// streamed response shape.
type Result struct {
	ID      string
	Created int64
	Model   string
	Account string
	Text    string
	Images  []Image
	Usage   openai.Usage
}

// Complete runs the full translation: validate, resolve attachments, select
// an account, call upstream, record the outcome, and convert the reply.
func (p *Pipeline) Complete(ctx context.Context, req Request) (*Result, *Error) {
	cfg := p.cfg.Snapshot()
	go p.images.Sweep(time.Duration(cfg.Images.RetentionSeconds) * time.Second)

	if err := p.validate(cfg, req); err != nil {
		return nil, err
	}

	pinned := req.Account
	resolved, perr := p.resolveRegistered(req.FileIDs)
	if perr != nil {
		return nil, perr
	}
	if len(resolved) > 0 {
		// Registered files live in one account's remote session, so the
		// request is pinned there regardless of rotation order.
		owner := resolved[0].Account
		for _, m := range resolved {
			if m.Account != owner {
				return nil, invalidRequest("mixed_file_accounts", "referenced files were uploaded under different accounts and cannot be combined")
			}
		}
		if pinned != "" && pinned != owner {
			return nil, invalidRequest("file_account_mismatch", "referenced files belong to a different account than the one requested")
		}
		pinned = owner
	}

	idx, err := p.store.Select(pinned)
	if err != nil {
		return nil, selectionError(err)
	}
	acct, _ := p.store.Account(idx)

	cred, err := p.creds.EnsureFresh(ctx, idx)
	if err != nil {
		p.recordFailure(idx, err)
		return nil, upstreamError(err)
	}

	fileIDs := make([]string, 0, len(resolved))
	for _, m := range resolved {
		if m.SessionID != cred.SessionID {
			return nil, invalidRequest("file_session_expired", "referenced file belongs to an expired session; upload it again")
		}
		fileIDs = append(fileIDs, m.RemoteID)
	}

	inline, perr := extractInlineImages(req.Chat.Messages)
	if perr != nil {
		return nil, perr
	}
	for _, img := range inline {
		remoteID, err := p.client.UploadFile(ctx, cred.Token, cred.SessionID, acct, img.name, img.mimeType, img.data)
		if err != nil {
			p.recordFailure(idx, err)
			return nil, upstreamError(err)
		}
		fileIDs = append(fileIDs, remoteID)
	}

	prompt := flattenMessages(req.Chat.Messages)
	started := p.now()
	chatRes, err := p.client.Chat(ctx, cred.Token, cred.SessionID, acct, prompt, fileIDs)
	if err != nil {
		p.recordFailure(idx, err)
		return nil, upstreamError(err)
	}
	p.store.MarkOutcome(idx, accounts.OutcomeSuccess)

	images, perr := p.deliverImages(ctx, cfg, cred, acct, req, chatRes.Images)
	if perr != nil {
		return nil, perr
	}

	result := &Result{
		ID:      "chatcmpl-" + newCompletionID(),
		Created: p.now().Unix(),
		Model:   req.Chat.Model,
		Account: acct.Name,
		Text:    chatRes.Text,
		Images:  images,
		Usage:   estimateUsage(prompt, chatRes.Text),
	}
	p.stats.Add(stats.UsageEvent{
		Timestamp:        p.now(),
		Account:          acct.Name,
		Model:            req.Chat.Model,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		LatencyMS:        p.now().Sub(started).Milliseconds(),
	})
	return result, nil
}

// UploadFile pushes client-provided bytes into a pool account's session and
// registers the mapping so later chat requests can reference it.
func (p *Pipeline) UploadFile(ctx context.Context, account, filename, mimeType string, data []byte) (files.Mapping, *Error) {
	if len(data) == 0 {
		return files.Mapping{}, invalidRequest("empty_file", "the uploaded file is empty")
	}
	idx, err := p.store.Select(account)
	if err != nil {
		return files.Mapping{}, selectionError(err)
	}
	acct, _ := p.store.Account(idx)
	cred, err := p.creds.EnsureFresh(ctx, idx)
	if err != nil {
		p.recordFailure(idx, err)
		return files.Mapping{}, upstreamError(err)
	}
	remoteID, err := p.client.UploadFile(ctx, cred.Token, cred.SessionID, acct, filename, mimeType, data)
	if err != nil {
		p.recordFailure(idx, err)
		return files.Mapping{}, upstreamError(err)
	}
	p.store.MarkOutcome(idx, accounts.OutcomeSuccess)
	return p.files.Register(remoteID, acct.Name, cred.SessionID, filename, mimeType, int64(len(data))), nil
}

func (p *Pipeline) validate(cfg config.ServerConfig, req Request) *Error {
	if strings.TrimSpace(req.Chat.Model) == "" {
		return invalidRequest("missing_model", "model is required")
	}
	known := false
	for _, m := range cfg.Models {
		if m.ID == req.Chat.Model {
			known = true
			break
		}
	}
	if !known {
		return invalidRequest("model_not_found", fmt.Sprintf("model %q does not exist", req.Chat.Model))
	}
	if len(req.Chat.Messages) == 0 {
		return invalidRequest("missing_messages", "messages must not be empty")
	}
	return nil
}

func (p *Pipeline) resolveRegistered(ids []string) ([]files.Mapping, *Error) {
	out := make([]files.Mapping, 0, len(ids))
	for _, id := range ids {
		m, ok := p.files.Resolve(id)
		if !ok {
			return nil, invalidRequest("file_not_found", fmt.Sprintf("file %q does not exist", id))
		}
		out = append(out, m)
	}
	return out, nil
}

// recordFailure applies the cooldown policy for a failed upstream call and
// drops derived credentials when the failure was an authentication one.
func (p *Pipeline) recordFailure(idx int, err error) {
	outcome := upstream.Classify(err)
	until, reason := p.store.MarkOutcome(idx, outcome)
	if outcome == accounts.OutcomeAuthFailure {
		p.creds.Invalidate(idx)
	}
	if !until.IsZero() {
		name := ""
		if acct, ok := p.store.Account(idx); ok {
			name = acct.Name
		}
		log.Warn("account cooling down", "account", name, "reason", reason, "until", until.UTC().Format(time.RFC3339), "err", err)
	}
}

// deliverImages converts upstream image payloads into the configured delivery
// form. In url mode a failed cache write falls back to base64 for that image.
func (p *Pipeline) deliverImages(ctx context.Context, cfg config.ServerConfig, cred creds.Credentials, acct config.AccountConfig, req Request, generated []upstream.GeneratedImage) ([]Image, *Error) {
	if len(generated) == 0 {
		return nil, nil
	}
	out := make([]Image, 0, len(generated))
	for _, g := range generated {
		data := g.Data
		if g.Source == upstream.ImageAttachment {
			fetched, err := p.client.FetchAttachment(ctx, cred.Token, cred.SessionID, acct, g.AttachmentID)
			if err != nil {
				return nil, upstreamError(err)
			}
			data = fetched
		}
		if len(data) == 0 {
			continue
		}
		mimeType := sniffImageMime(data)
		if cfg.Images.Mode == config.ImageModeURL {
			name, err := p.images.Store(data, extForMime(mimeType, g.Name))
			if err == nil {
				out = append(out, Image{URL: p.images.URLFor(name, req.Host, req.TLS)})
				continue
			}
			log.Warn("image cache write failed, falling back to base64", "err", err)
		}
		out = append(out, Image{DataURI: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)})
	}
	return out, nil
}
