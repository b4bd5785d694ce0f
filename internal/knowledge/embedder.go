package knowledge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"sort"
	"strings"
	"unicode"

	"github.com/aihub/rag-go/internal/resilience"
	openai "github.com/sashabaranov/go-openai"
)

// Embedder 定义文本向量化接口，一次调用处理一批文本
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
}

// Pinger 可探活的外部能力
type Pinger interface {
	Ping(ctx context.Context) error
}

var embeddingDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

// OpenAIEmbedder 使用OpenAI Embedding API
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	// 仅 text-embedding-3 系列支持缩短维度
	requestDims int
}

// NewOpenAIEmbedder 创建OpenAI嵌入向量生成器；dimensions<=0 时使用模型默认维度
func NewOpenAIEmbedder(apiKey, baseURL, model string, dimensions int) (*OpenAIEmbedder, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is not configured")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	native, ok := embeddingDimensions[model]
	if !ok {
		native = 1536
	}
	dims := native
	requestDims := 0
	if dimensions > 0 && dimensions != native {
		if !strings.HasPrefix(model, "text-embedding-3") {
			return nil, fmt.Errorf("model %s does not support %d dimensions", model, dimensions)
		}
		dims = dimensions
		requestDims = dimensions
	}

	return &OpenAIEmbedder{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		dimensions:  dims,
		requestDims: requestDims,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(e.model),
		Input:      texts,
		Dimensions: e.requestDims,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	// 按输入顺序返回
	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	vectors := make([][]float32, len(data))
	for i, item := range data {
		vec := make([]float32, len(item.Embedding))
		copy(vec, item.Embedding)
		vectors[i] = vec
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *OpenAIEmbedder) Model() string {
	return e.model
}

// Ping 通过列出模型检查API可达性
func (e *OpenAIEmbedder) Ping(ctx context.Context) error {
	_, err := e.client.ListModels(ctx)
	return err
}

// classifyOpenAIError 4xx（429除外）属于请求本身的问题，不重试
func classifyOpenAIError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return resilience.Permanent(err)
	}
	return err
}

// HashEmbedder 基于特征哈希的本地向量化，结果确定，用于离线开发和测试
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder 创建本地哈希向量化器
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashEmbedder{dimensions: dimensions}
}

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = h.vector(text)
	}
	return vectors, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	vec := make([]float32, h.dimensions)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, token := range tokens {
		hasher := fnv.New64a()
		hasher.Write([]byte(token))
		sum := hasher.Sum64()
		idx := int(sum % uint64(h.dimensions))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func (h *HashEmbedder) Dimensions() int {
	return h.dimensions
}

func (h *HashEmbedder) Model() string {
	return fmt.Sprintf("hash-%d", h.dimensions)
}

// Ping 本地实现始终可用
func (h *HashEmbedder) Ping(ctx context.Context) error {
	return nil
}
