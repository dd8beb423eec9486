package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/driftware/chatbridge/pkg/pipeline"
)

const maxChatBodyBytes = 64 << 20

type modelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	cfg := s.store.Snapshot()
	models := make([]modelCard, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		created := m.Created
		if created == 0 {
			created = time.Now().Unix()
		}
		models = append(models, modelCard{ID: m.ID, Object: "model", Created: created, OwnedBy: "chatbridge"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

// chatRequest is the OpenAI chat completion body plus the extensions this
// service accepts: explicit file references and an optional account pin.
type chatRequest struct {
	openai.ChatCompletionRequest
	Files   []string `json:"files,omitempty"`
	Account string   `json:"account,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBodyBytes))
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "failed to read request body")
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "request body is not valid JSON")
		return
	}
	account := req.Account
	if account == "" {
		account = r.Header.Get("X-Account")
	}

	result, perr := s.pipe.Complete(r.Context(), pipeline.Request{
		Chat:    req.ChatCompletionRequest,
		FileIDs: req.Files,
		Account: account,
		Host:    r.Host,
		TLS:     r.TLS != nil,
	})
	if perr != nil {
		s.metrics.observeRequest(string(perr.Category))
		writePipelineError(w, perr)
		return
	}
	s.metrics.observeRequest("success")
	s.metrics.observeSelection(result.Account)

	if req.Stream {
		if err := pipeline.WriteStream(w, result); err != nil {
			// Headers are already out; nothing left to do but log.
			logStreamError(err)
		}
		return
	}
	writeJSON(w, http.StatusOK, pipeline.BuildResponse(result))
}

func logStreamError(err error) {
	log.Debug("stream write failed", "err", err)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	period := time.Hour
	if raw := r.URL.Query().Get("period"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			period = time.Duration(secs) * time.Second
		}
	}
	writeJSON(w, http.StatusOK, s.stats.Summary(period))
}
