// Package langchain adapts any langchaingo chat model to the llm.Client
// contract, so providers beyond the plain HTTP backend can be plugged in.
package langchain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"LLM-Orchestra/internal/llm"
)

// Client 包装 langchaingo 模型。
type Client struct {
	model       llms.Model
	temperature float64
}

// New 使用已有模型创建客户端。
func New(model llms.Model) (*Client, error) {
	if model == nil {
		return nil, errors.New("langchain 模型不能为空")
	}
	return &Client{model: model}, nil
}

// NewOpenAI 通过 langchaingo 的 OpenAI 适配器创建客户端。
func NewOpenAI(apiKey, model, baseURL string) (*Client, error) {
	opts := []openai.Option{openai.WithToken(apiKey)}
	if strings.TrimSpace(model) != "" {
		opts = append(opts, openai.WithModel(model))
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("初始化 langchain OpenAI 模型失败: %w", err)
	}
	return New(m)
}

// Generate 以 JSON 模式请求模型。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(llm.SystemPrompt())}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(llm.UserPrompt(req))}},
	}
	resp, err := c.model.GenerateContent(ctx, messages, llms.WithJSONMode(), llms.WithTemperature(c.temperature))
	if err != nil {
		return nil, fmt.Errorf("langchain 调用失败: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("langchain 响应中没有候选结果")
	}
	content := strings.TrimSpace(resp.Choices[0].Content)
	if content == "" {
		return nil, errors.New("langchain 响应内容为空")
	}
	return &llm.Response{Content: content}, nil
}
