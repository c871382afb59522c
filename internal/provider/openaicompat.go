package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	pkgerrors "github.com/relago-ai/relago/pkg/errors"
	"github.com/relago-ai/relago/pkg/types"
)

// CompatInfo configures an OpenAI-compatible adapter. Ollama,
// HuggingFace's router, and OpenAI itself all speak this dialect with
// minor variations, so one adapter covers all three.
type CompatInfo struct {
	ID             string
	DefaultBaseURL string
	ChatEndpoint   string // default "/chat/completions"
	ExtraHeaders   map[string]string
}

// OpenAICompat is a generic OpenAI-compatible chat adapter.
type OpenAICompat struct {
	info    CompatInfo
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAICompat creates an adapter for an OpenAI-compatible endpoint.
func NewOpenAICompat(info CompatInfo, baseURL, apiKey string, timeout time.Duration) *OpenAICompat {
	if baseURL == "" {
		baseURL = info.DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if info.ChatEndpoint == "" {
		info.ChatEndpoint = "/chat/completions"
	}

	return &OpenAICompat{
		info:    info,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// ID returns the provider identifier.
func (p *OpenAICompat) ID() string {
	return p.info.ID
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *OpenAICompat) buildRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := p.baseURL + p.info.ChatEndpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.info.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (p *OpenAICompat) mapError(statusCode int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	switch {
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return pkgerrors.NewProviderTimeout(p.info.ID)
	default:
		return pkgerrors.NewProviderError(p.info.ID, fmt.Sprintf("status=%d body=%s", statusCode, msg))
	}
}

// Complete performs a blocking completion.
func (p *OpenAICompat) Complete(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := p.buildRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pkgerrors.NewProviderTimeout(p.info.ID)
		}
		return nil, pkgerrors.NewProviderError(p.info.ID, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, p.mapError(resp.StatusCode, body)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, pkgerrors.NewProviderError(p.info.ID, fmt.Sprintf("decode response: %v", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, pkgerrors.NewProviderError(p.info.ID, "response carries no choices")
	}

	out := &Response{Content: parsed.Choices[0].Message.Content}
	if parsed.Usage != nil {
		out.Usage = types.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return out, nil
}

const sseDataPrefix = "data: "

// CompleteStream performs a streaming completion over SSE.
func (p *OpenAICompat) CompleteStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	httpReq, err := p.buildRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pkgerrors.NewProviderTimeout(p.info.ID)
		}
		return nil, pkgerrors.NewProviderError(p.info.ID, err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, p.mapError(resp.StatusCode, body)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var usage *types.TokenUsage
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 4096), 64*1024)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 || !bytes.HasPrefix(line, []byte(sseDataPrefix)) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte(sseDataPrefix))

			if bytes.Equal(data, []byte("[DONE]")) {
				sendChunk(ctx, out, Chunk{Done: true, Usage: usage})
				return
			}

			var parsed chatResponse
			if err := json.Unmarshal(data, &parsed); err != nil {
				continue // tolerate malformed keep-alive frames
			}
			if parsed.Usage != nil {
				usage = &types.TokenUsage{
					PromptTokens:     parsed.Usage.PromptTokens,
					CompletionTokens: parsed.Usage.CompletionTokens,
					TotalTokens:      parsed.Usage.TotalTokens,
				}
			}
			if len(parsed.Choices) == 0 {
				continue
			}
			if content := parsed.Choices[0].Delta.Content; content != "" {
				if !sendChunk(ctx, out, Chunk{Content: content}) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			sendChunk(ctx, out, Chunk{Err: pkgerrors.NewProviderError(p.info.ID, err.Error())})
			return
		}
		// Stream ended without [DONE]; still terminal.
		sendChunk(ctx, out, Chunk{Done: true, Usage: usage})
	}()

	return out, nil
}

func sendChunk(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
