// =============================================================================
// OpenAI 兼容 Chat Completions 客户端
// =============================================================================
// 级联管线的 LLM 环节。OpenAI 以及任何兼容 /v1/chat/completions 的服务
// （自建 vLLM、Ollama 等）都通过 BaseURL 接入。
// =============================================================================

package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/voiceflow/internal/tlsutil"
	"github.com/BaSui01/voiceflow/llm"
	"go.uber.org/zap"
)

// Config OpenAI 兼容提供方配置
type Config struct {
	ProviderName string
	APIKey       string
	// 默认 https://api.openai.com
	BaseURL      string
	DefaultModel string
	// HTTP 超时，仅作用于非流式请求，默认 30s
	Timeout      time.Duration
	EndpointPath string
	// BuildHeaders 为空时使用 Authorization: Bearer
	BuildHeaders func(req *http.Request, apiKey string)
}

// Provider OpenAI 兼容提供方
type Provider struct {
	cfg    Config
	client *http.Client
	// 流式请求不设整体超时，由 ctx 控制
	streamClient *http.Client
	logger       *zap.Logger
}

// New 创建提供方
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:          cfg,
		client:       tlsutil.SecureHTTPClient(cfg.Timeout),
		streamClient: tlsutil.SecureHTTPClient(0),
		logger:       logger.With(zap.String("component", "llm"), zap.String("provider", cfg.ProviderName)),
	}
}

// Name 提供方名称
func (p *Provider) Name() string { return p.cfg.ProviderName }

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.EndpointPath
}

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.BuildHeaders != nil {
		p.cfg.BuildHeaders(req, p.cfg.APIKey)
		return
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
}

func (p *Provider) buildBody(req *llm.ChatRequest, stream bool) wireRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	body := wireRequest{
		Model:       model,
		Messages:    toWireMessages(req.Messages),
		Tools:       toWireTools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if len(body.Tools) > 0 {
		choice := req.ToolChoice
		if choice == "" {
			choice = "auto"
		}
		body.ToolChoice = toolChoice(choice)
	}
	if stream {
		body.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	}
	return body
}

func (p *Provider) post(ctx context.Context, client *http.Client, body wireRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llm.TransportError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := llm.ReadErrorMessage(resp.Body)
		p.logger.Debug("chat completion rejected", zap.Int("status", resp.StatusCode), zap.String("message", msg))
		return nil, llm.MapHTTPError(resp.StatusCode, msg, p.Name())
	}
	return resp, nil
}

// Completion 非流式补全
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.post(ctx, p.client, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, llm.TransportError(fmt.Errorf("decode response: %w", err), p.Name())
	}
	return fromWireResponse(wr, p.Name()), nil
}

// Stream 流式补全（SSE）
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.post(ctx, p.streamClient, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}
	return StreamSSE(ctx, resp.Body, p.Name()), nil
}

// StreamSSE 解析 Chat Completions SSE 流。遇到 [DONE]、EOF 或 ctx 取消时关闭通道与 body。
func StreamSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)

	// ctx 取消时关闭 body，解除阻塞的读
	stop := context.AfterFunc(ctx, func() { body.Close() })

	go func() {
		defer close(ch)
		defer stop()
		defer body.Close()

		send := func(c llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- c:
				return true
			}
		}

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					send(llm.StreamChunk{Err: llm.TransportError(err, providerName)})
				}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var wr wireResponse
			if err := json.Unmarshal([]byte(data), &wr); err != nil {
				send(llm.StreamChunk{Err: llm.TransportError(fmt.Errorf("decode chunk: %w", err), providerName)})
				return
			}

			if wr.Usage != nil && len(wr.Choices) == 0 {
				if !send(llm.StreamChunk{
					ID: wr.ID, Provider: providerName, Model: wr.Model,
					Usage: &llm.ChatUsage{
						PromptTokens:     wr.Usage.PromptTokens,
						CompletionTokens: wr.Usage.CompletionTokens,
						TotalTokens:      wr.Usage.TotalTokens,
					},
				}) {
					return
				}
				continue
			}

			for _, choice := range wr.Choices {
				chunk := llm.StreamChunk{
					ID:           wr.ID,
					Provider:     providerName,
					Model:        wr.Model,
					FinishReason: choice.FinishReason,
				}
				if choice.Delta != nil {
					if choice.Delta.Content != nil {
						chunk.Content = *choice.Delta.Content
					}
					for i, tc := range choice.Delta.ToolCalls {
						idx := i
						if tc.Index != nil {
							idx = *tc.Index
						}
						chunk.ToolCalls = append(chunk.ToolCalls, llm.ToolCallDelta{
							Index:     idx,
							ID:        tc.ID,
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						})
					}
				}
				if !send(chunk) {
					return
				}
			}
		}
	}()
	return ch
}
