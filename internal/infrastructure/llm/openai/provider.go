package openai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/domain/entity"
	"github.com/loomlab/loom/kernel/internal/domain/service"
	llm "github.com/loomlab/loom/kernel/internal/infrastructure/llm"
)

func init() {
	llm.RegisterFactory("openai", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider is an OpenAI-compatible HTTP chat-completions client.
// Compatible with OpenAI, DeepSeek, Ollama, vLLM, and most gateways.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	models  []string
	client  *http.Client
	logger  *zap.Logger
}

// New creates an OpenAI-compatible provider.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Provider{
		name:    cfg.Name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("provider", cfg.Name), zap.String("type", "openai")),
	}
}

// Compile-time interface check
var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string     { return p.name }
func (p *Provider) Models() []string { return p.models }

func (p *Provider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *Provider) IsAvailable(ctx context.Context) bool {
	return p.apiKey != ""
}

// --- wire types ---

type apiMessage struct {
	Role       string            `json:"role"`
	Content    any               `json:"content"` // string or []contentPart
	ToolCalls  []json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
}

type contentPart struct {
	Type         string               `json:"type"`
	Text         string               `json:"text,omitempty"`
	CacheControl *entity.CacheControl `json:"cache_control,omitempty"`
}

type apiTool struct {
	Type     string                 `json:"type"`
	Function service.ToolDefinition `json:"function"`
}

type apiRequest struct {
	Model          string       `json:"model,omitempty"`
	Messages       []apiMessage `json:"messages"`
	Tools          []apiTool    `json:"tools,omitempty"`
	Temperature    float64      `json:"temperature"`
	MaxTokens      int          `json:"max_tokens,omitempty"`
	ResponseFormat any          `json:"response_format,omitempty"`
}

type apiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string            `json:"content"`
			ToolCalls []entity.ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		TotalTokens         int `json:"total_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat implements service.LLMClient.
func (p *Provider) Chat(ctx context.Context, req *service.ChatRequest) (*service.ChatResponse, error) {
	apiReq := p.buildRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	key := p.apiKey
	if req.UserAPIKey != "" {
		key = req.UserAPIKey
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, truncate(string(respBody), 500))
	}

	return p.parseResponse(respBody)
}

func (p *Provider) buildRequest(req *service.ChatRequest) *apiRequest {
	out := &apiRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	for _, m := range req.Messages {
		am := apiMessage{
			Role:       m.Role,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		if len(m.Parts) > 0 {
			parts := make([]contentPart, 0, len(m.Parts))
			for _, part := range m.Parts {
				parts = append(parts, contentPart{
					Type:         part.Type,
					Text:         part.Text,
					CacheControl: part.CacheControl,
				})
			}
			am.Content = parts
		} else {
			am.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			if raw, err := json.Marshal(tc); err == nil {
				am.ToolCalls = append(am.ToolCalls, raw)
			}
		}
		out.Messages = append(out.Messages, am)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, apiTool{Type: "function", Function: t})
	}

	if rf := req.ResponseFormat; rf != nil {
		out.ResponseFormat = map[string]any{
			"type": rf.Type,
			"json_schema": map[string]any{
				"name":   rf.Name,
				"schema": rf.Schema,
				"strict": rf.Strict,
			},
		}
	}

	return out
}

func (p *Provider) parseResponse(body []byte) (*service.ChatResponse, error) {
	var decoded apiResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("API error: %s (%s)", decoded.Error.Message, decoded.Error.Type)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	choice := decoded.Choices[0]
	return &service.ChatResponse{
		Content:   choice.Message.Content,
		ToolCalls: choice.Message.ToolCalls,
		Model:     decoded.Model,
		Usage: service.Usage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
			CacheReadTokens:  decoded.Usage.PromptTokensDetails.CachedTokens,
		},
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
