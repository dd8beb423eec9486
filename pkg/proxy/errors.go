package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/driftware/chatbridge/pkg/pipeline"
)

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", "err", err)
	}
}

func writeOpenAIError(w http.ResponseWriter, status int, errType, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Message: message, Type: errType, Code: code}})
}

// writePipelineError renders a pipeline failure in the OpenAI error envelope.
func writePipelineError(w http.ResponseWriter, perr *pipeline.Error) {
	errType := "api_error"
	switch perr.Category {
	case pipeline.CategoryInvalidRequest:
		errType = "invalid_request_error"
	case pipeline.CategoryRateLimited:
		errType = "rate_limit_error"
	}
	if perr.Err != nil {
		log.Warn("request failed", "category", perr.Category, "code", perr.Code, "err", perr.Err)
	}
	writeOpenAIError(w, perr.Status, errType, perr.Code, perr.Message)
}
