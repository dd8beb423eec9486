package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/driftware/chatbridge/pkg/config"
)

// Client talks to the remote enterprise chat service. All calls authenticate
// either with the account's browser cookies (token exchange) or with a signed
// token derived from them (everything else), and every call carries an
// explicit timeout via the underlying http.Client.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg config.UpstreamConfig) (*Client, error) {
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 120
	}
	transport := &http.Transport{}
	if cfg.ProxyEnabled && strings.TrimSpace(cfg.ProxyURL) != "" {
		proxyURL, err := url.Parse(strings.TrimSpace(cfg.ProxyURL))
		if err != nil {
			return nil, fmt.Errorf("invalid upstream proxy_url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout:   time.Duration(timeout) * time.Second,
			Transport: transport,
		},
	}, nil
}

func cookieHeader(acct config.AccountConfig) string {
	h := "session_token=" + acct.Cookie
	if acct.UserCookie != "" {
		h += "; user_token=" + acct.UserCookie
	}
	return h
}

// FetchExchangeGrant retrieves a one-time signing key pair using the
// account's stored cookies.
func (c *Client) FetchExchangeGrant(ctx context.Context, acct config.AccountConfig) (ExchangeGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/token/exchange", nil)
	if err != nil {
		return ExchangeGrant{}, err
	}
	req.Header.Set("Cookie", cookieHeader(acct))
	if acct.ClientID != "" {
		req.Header.Set("X-Client-ID", acct.ClientID)
	}
	var grant ExchangeGrant
	if err := c.do(req, "token exchange", &grant); err != nil {
		return ExchangeGrant{}, err
	}
	if grant.KeyID == "" || grant.Secret == "" {
		return ExchangeGrant{}, fmt.Errorf("token exchange returned incomplete grant")
	}
	return grant, nil
}

// CreateSession opens a chat session scoped to the account's team.
func (c *Client) CreateSession(ctx context.Context, token string, acct config.AccountConfig) (string, error) {
	body, _ := json.Marshal(map[string]string{"team_id": acct.TeamID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.setAuthHeaders(req, token, acct)
	req.Header.Set("Content-Type", "application/json")
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(req, "create session", &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("create session returned empty id")
	}
	return out.ID, nil
}

// UploadFile pushes raw bytes into the session and returns the remote file id.
func (c *Client) UploadFile(ctx context.Context, token, sessionID string, acct config.AccountConfig, filename, mimeType string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if mimeType != "" {
		_ = mw.WriteField("content_type", mimeType)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions/"+url.PathEscape(sessionID)+"/files", &buf)
	if err != nil {
		return "", err
	}
	c.setAuthHeaders(req, token, acct)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(req, "file upload", &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("file upload returned empty id")
	}
	return out.ID, nil
}

// ImageSource tags how a generated image arrived in the chat reply.
type ImageSource int

const (
	// ImageInline means the bytes were base64-embedded in the reply.
	ImageInline ImageSource = iota
	// ImageAttachment means the reply named a file that must be fetched.
	ImageAttachment
)

type GeneratedImage struct {
	Source       ImageSource
	Name         string
	Data         []byte
	AttachmentID string
}

type ChatResult struct {
	Text   string
	Images []GeneratedImage
}

type chatWireImage struct {
	Name         string `json:"name"`
	Data         string `json:"data,omitempty"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// Chat sends the assembled prompt plus ordered file references and parses the
// heterogeneous reply into text and classified image deliveries.
func (c *Client) Chat(ctx context.Context, token, sessionID string, acct config.AccountConfig, prompt string, fileIDs []string) (*ChatResult, error) {
	payload := map[string]any{
		"content": prompt,
		"team_id": acct.TeamID,
	}
	if len(fileIDs) > 0 {
		payload["file_ids"] = fileIDs
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions/"+url.PathEscape(sessionID)+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setAuthHeaders(req, token, acct)
	req.Header.Set("Content-Type", "application/json")
	var out struct {
		Content string          `json:"content"`
		Images  []chatWireImage `json:"images"`
	}
	if err := c.do(req, "chat", &out); err != nil {
		return nil, err
	}
	result := &ChatResult{Text: out.Content}
	for _, img := range out.Images {
		classified, ok := classifyImage(img)
		if !ok {
			continue
		}
		result.Images = append(result.Images, classified)
	}
	return result, nil
}

// classifyImage resolves the delivery variant explicitly instead of probing
// shapes downstream: inline base64 wins over an attachment reference when a
// reply carries both.
func classifyImage(img chatWireImage) (GeneratedImage, bool) {
	if img.Data != "" {
		raw, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil || len(raw) == 0 {
			return GeneratedImage{}, false
		}
		return GeneratedImage{Source: ImageInline, Name: img.Name, Data: raw}, true
	}
	if img.AttachmentID != "" {
		return GeneratedImage{Source: ImageAttachment, Name: img.Name, AttachmentID: img.AttachmentID}, true
	}
	return GeneratedImage{}, false
}

// FetchAttachment downloads the bytes of an attachment-delivered image.
func (c *Client) FetchAttachment(ctx context.Context, token, sessionID string, acct config.AccountConfig, attachmentID string) ([]byte, error) {
	u := c.baseURL + "/api/sessions/" + url.PathEscape(sessionID) + "/files/" + url.PathEscape(attachmentID) + "/content"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.setAuthHeaders(req, token, acct)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &HTTPError{Endpoint: "attachment fetch", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

func (c *Client) setAuthHeaders(req *http.Request, token string, acct config.AccountConfig) {
	req.Header.Set("Authorization", "Bearer "+token)
	if acct.ClientID != "" {
		req.Header.Set("X-Client-ID", acct.ClientID)
	}
}

func (c *Client) do(req *http.Request, endpoint string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}
