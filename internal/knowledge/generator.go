package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// 会话角色
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// Turn 提示词中的一条历史消息
type Turn struct {
	Role string
	Text string
}

// Prompt 组装好的生成请求
type Prompt struct {
	System   string
	Context  []string // 参考资料片段，按相关性降序
	History  []Turn   // 时间正序
	Question string
}

// ContextBlock 渲染参考资料段落，没有资料时返回空串
func (p Prompt) ContextBlock() string {
	if len(p.Context) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Context:\n")
	for i, c := range p.Context {
		if i > 0 {
			sb.WriteString("\n---\n")
		}
		sb.WriteString(c)
	}
	return sb.String()
}

// Render 渲染为单段文本，用于预算计算和不支持多角色的生成器
func (p Prompt) Render() string {
	var sb strings.Builder
	sb.WriteString(p.System)
	if block := p.ContextBlock(); block != "" {
		sb.WriteString("\n\n")
		sb.WriteString(block)
	}
	if len(p.History) > 0 {
		sb.WriteString("\n\nConversation so far:\n")
		for _, t := range p.History {
			sb.WriteString(t.Role)
			sb.WriteString(": ")
			sb.WriteString(t.Text)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(p.Question)
	return sb.String()
}

// Generator 答案生成能力
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// GenerationOptions 采样参数
type GenerationOptions struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// OpenAIGenerator 使用 Chat Completions 生成答案
type OpenAIGenerator struct {
	client *openai.Client
	model  string
	opts   GenerationOptions
}

// NewOpenAIGenerator 创建OpenAI生成器
func NewOpenAIGenerator(apiKey, baseURL, model string, opts GenerationOptions) (*OpenAIGenerator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is not configured")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		opts:   opts,
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt Prompt) (string, error) {
	system := prompt.System
	if block := prompt.ContextBlock(); block != "" {
		system += "\n\n" + block
	}

	messages := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}
	for _, t := range prompt.History {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleBot {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt.Question})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: float32(g.opts.Temperature),
		TopP:        float32(g.opts.TopP),
		MaxTokens:   g.opts.MaxTokens,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", errors.New("chat completion returned an empty answer")
	}
	return answer, nil
}

// Ping 通过列出模型检查API可达性
func (g *OpenAIGenerator) Ping(ctx context.Context) error {
	_, err := g.client.ListModels(ctx)
	return err
}

// EchoGenerator 本地生成器：直接引用最相关的资料片段，用于离线开发
type EchoGenerator struct{}

func (EchoGenerator) Generate(ctx context.Context, prompt Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(prompt.Context) == 0 {
		return "I couldn't find anything in the uploaded documents about that.", nil
	}
	snippet := []rune(strings.TrimSpace(prompt.Context[0]))
	if len(snippet) > 300 {
		snippet = append(snippet[:300], '…')
	}
	return fmt.Sprintf("Based on the uploaded documents: %s", string(snippet)), nil
}

func (EchoGenerator) Ping(ctx context.Context) error {
	return nil
}
