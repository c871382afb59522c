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

const (
	anthropicID             = "anthropic"
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// Anthropic implements the Messages API adapter. Anthropic's wire
// format differs enough from the OpenAI dialect (event-typed SSE,
// separate system field) to warrant its own adapter.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropic creates the Anthropic adapter.
func NewAnthropic(baseURL, apiKey string, timeout time.Duration) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &Anthropic{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// ID returns the provider identifier.
func (p *Anthropic) ID() string { return anthropicID }

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Anthropic) buildRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024 // the Messages API requires max_tokens
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       req.Model,
		System:      req.System,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

// Complete performs a blocking completion.
func (p *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := p.buildRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pkgerrors.NewProviderTimeout(anthropicID)
		}
		return nil, pkgerrors.NewProviderError(anthropicID, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, pkgerrors.NewProviderError(anthropicID,
			fmt.Sprintf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, pkgerrors.NewProviderError(anthropicID, fmt.Sprintf("decode response: %v", err))
	}

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &Response{
		Content: sb.String(),
		Usage: types.TokenUsage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// CompleteStream performs a streaming completion over the event-typed
// SSE protocol (message_start, content_block_delta, message_delta,
// message_stop).
func (p *Anthropic) CompleteStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	httpReq, err := p.buildRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pkgerrors.NewProviderTimeout(anthropicID)
		}
		return nil, pkgerrors.NewProviderError(anthropicID, err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, pkgerrors.NewProviderError(anthropicID,
			fmt.Sprintf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		usage := types.TokenUsage{}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 4096), 64*1024)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := bytes.TrimSpace(scanner.Bytes())
			if !bytes.HasPrefix(line, []byte(sseDataPrefix)) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte(sseDataPrefix))

			var event anthropicStreamEvent
			if err := json.Unmarshal(data, &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				usage.PromptTokens = event.Message.Usage.InputTokens
			case "content_block_delta":
				if event.Delta.Text != "" {
					if !sendChunk(ctx, out, Chunk{Content: event.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				usage.CompletionTokens = event.Usage.OutputTokens
			case "message_stop":
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				u := usage
				sendChunk(ctx, out, Chunk{Done: true, Usage: &u})
				return
			}
		}

		if err := scanner.Err(); err != nil {
			sendChunk(ctx, out, Chunk{Err: pkgerrors.NewProviderError(anthropicID, err.Error())})
			return
		}
		u := usage
		sendChunk(ctx, out, Chunk{Done: true, Usage: &u})
	}()

	return out, nil
}
