package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// StreamText renders the streamed completion content. Streamed deltas are
// plain strings, so image references become markdown appended after the text.
func StreamText(res *Result) string {
	var sb strings.Builder
	sb.WriteString(res.Text)
	for _, img := range res.Images {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("![image](" + img.Ref() + ")")
	}
	return sb.String()
}

// WriteStream emits the pseudo-streamed response: a single chunk carrying the
// whole completion with its finish reason, then the terminator. The upstream
// service only replies once, so there is nothing to stream incrementally.
func WriteStream(w http.ResponseWriter, res *Result) error {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	chunk := openai.ChatCompletionStreamResponse{
		ID:      res.ID,
		Object:  "chat.completion.chunk",
		Created: res.Created,
		Model:   res.Model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index: 0,
			Delta: openai.ChatCompletionStreamChoiceDelta{
				Role:    openai.ChatMessageRoleAssistant,
				Content: StreamText(res),
			},
			FinishReason: openai.FinishReasonStop,
		}},
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
