package pipeline

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

type inlineImage struct {
	name     string
	mimeType string
	data     []byte
}

// extractInlineImages pulls data URI image parts out of the messages, in
// message order. Remote image URLs are rejected; the upstream service only
// accepts uploaded bytes.
func extractInlineImages(messages []openai.ChatCompletionMessage) ([]inlineImage, *Error) {
	var out []inlineImage
	for _, msg := range messages {
		for _, part := range msg.MultiContent {
			if part.Type != openai.ChatMessagePartTypeImageURL || part.ImageURL == nil {
				continue
			}
			raw := part.ImageURL.URL
			if !strings.HasPrefix(raw, "data:") {
				return nil, invalidRequest("unsupported_image_url", "image attachments must be data: URIs")
			}
			mimeType, data, err := parseDataURI(raw)
			if err != nil {
				return nil, invalidRequest("invalid_image_data", err.Error())
			}
			out = append(out, inlineImage{
				name:     fmt.Sprintf("inline-%d%s", len(out)+1, extForMime(mimeType, "")),
				mimeType: mimeType,
				data:     data,
			})
		}
	}
	return out, nil
}

func parseDataURI(raw string) (string, []byte, error) {
	rest := strings.TrimPrefix(raw, "data:")
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URI")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, fmt.Errorf("data URI must be base64 encoded")
	}
	mimeType := strings.TrimSuffix(meta, ";base64")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 payload: %v", err)
	}
	if len(data) == 0 {
		return "", nil, fmt.Errorf("empty image payload")
	}
	return mimeType, data, nil
}

// flattenMessages renders the conversation as a role-prefixed transcript,
// which is the only prompt shape the upstream service accepts.
func flattenMessages(messages []openai.ChatCompletionMessage) string {
	var sb strings.Builder
	for _, msg := range messages {
		text := msg.Content
		if text == "" && len(msg.MultiContent) > 0 {
			var parts []string
			for _, part := range msg.MultiContent {
				if part.Type == openai.ChatMessagePartTypeText && part.Text != "" {
					parts = append(parts, part.Text)
				}
			}
			text = strings.Join(parts, "\n")
		}
		if text == "" || msg.Role == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strings.ToUpper(msg.Role[:1]) + msg.Role[1:])
		sb.WriteString(": ")
		sb.WriteString(text)
	}
	return sb.String()
}

// estimateUsage approximates token counts at four characters per token; the
// upstream service reports none.
func estimateUsage(prompt, completion string) openai.Usage {
	u := openai.Usage{
		PromptTokens:     (utf8.RuneCountInString(prompt) + 3) / 4,
		CompletionTokens: (utf8.RuneCountInString(completion) + 3) / 4,
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func newCompletionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func sniffImageMime(data []byte) string {
	ct := http.DetectContentType(data)
	if strings.HasPrefix(ct, "image/") {
		return ct
	}
	return "image/png"
}

func extForMime(mimeType, name string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	if ext := path.Ext(name); ext != "" {
		return ext
	}
	return ".png"
}

// BuildResponse renders the buffered OpenAI response. With images present the
// assistant message switches to multi-part content so clients receive the
// text and each image reference as distinct parts.
func BuildResponse(res *Result) openai.ChatCompletionResponse {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	if len(res.Images) == 0 {
		msg.Content = res.Text
	} else {
		parts := make([]openai.ChatMessagePart, 0, len(res.Images)+1)
		if res.Text != "" {
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: res.Text})
		}
		for _, img := range res.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: img.Ref()},
			})
		}
		msg.MultiContent = parts
	}
	return openai.ChatCompletionResponse{
		ID:      res.ID,
		Object:  "chat.completion",
		Created: res.Created,
		Model:   res.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: res.Usage,
	}
}
