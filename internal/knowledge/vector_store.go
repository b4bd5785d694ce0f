package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
)

// ErrModelVersionMismatch 写入的向量与索引绑定的模型版本不一致
var ErrModelVersionMismatch = errors.New("embedding model version mismatch")

// pointNamespace 派生点位UUID的命名空间
var pointNamespace = uuid.MustParse("6f1c2a8e-3d4b-5c6d-8e9f-0a1b2c3d4e5f")

// ChunkMetadata 随向量存储的分块元数据
type ChunkMetadata struct {
	Filename     string `json:"filename"`
	Page         *int   `json:"page,omitempty"`
	Text         string `json:"text"`
	ModelVersion string `json:"model_version"`
}

// VectorRecord 待写入的向量记录
type VectorRecord struct {
	DocID      string
	ChunkIndex int
	Vector     []float32
	Metadata   ChunkMetadata
}

// PointID 点位标识 {doc_id}_{chunk_index}
func (r VectorRecord) PointID() string {
	return PointID(r.DocID, r.ChunkIndex)
}

// PointID 点位标识 {doc_id}_{chunk_index}
func PointID(docID string, chunkIndex int) string {
	return fmt.Sprintf("%s_%d", docID, chunkIndex)
}

// PointUUID 由点位标识派生的确定性UUID，用于只接受UUID/数字主键的存储
func PointUUID(docID string, chunkIndex int) string {
	return uuid.NewSHA1(pointNamespace, []byte(PointID(docID, chunkIndex))).String()
}

// QueryOptions 检索参数
type QueryOptions struct {
	TopK     int
	MinScore *float64
	DocID    string // 可选，仅检索该文档
}

// Match 检索结果
type Match struct {
	DocID      string
	ChunkIndex int
	Score      float64
	Metadata   ChunkMetadata
}

// VectorIndex 向量索引抽象
type VectorIndex interface {
	Upsert(ctx context.Context, records ...VectorRecord) error
	Query(ctx context.Context, vector []float32, opts QueryOptions) ([]Match, error)
	DeleteDocument(ctx context.Context, docID string) error
	Ping(ctx context.Context) error
	ModelVersion() string
}

// checkModelVersion 校验记录的模型版本与索引一致；空版本视为当前版本
func checkModelVersion(expected string, records []VectorRecord) error {
	for i := range records {
		v := records[i].Metadata.ModelVersion
		if v == "" {
			records[i].Metadata.ModelVersion = expected
			continue
		}
		if v != expected {
			return fmt.Errorf("%w: index is %q, record %s is %q", ErrModelVersionMismatch, expected, records[i].PointID(), v)
		}
	}
	return nil
}

func roundScore(score float64) float64 {
	return math.Round(score*1e4) / 1e4
}

// SortMatches 按得分降序排序；四位小数内相同的得分按 chunk_index、doc_id 升序
func SortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		si, sj := roundScore(matches[i].Score), roundScore(matches[j].Score)
		if si != sj {
			return si > sj
		}
		if matches[i].ChunkIndex != matches[j].ChunkIndex {
			return matches[i].ChunkIndex < matches[j].ChunkIndex
		}
		return matches[i].DocID < matches[j].DocID
	})
}

// finalizeMatches 过滤低分、排序并截断到 TopK
func finalizeMatches(matches []Match, opts QueryOptions) []Match {
	filtered := matches[:0]
	for _, m := range matches {
		if opts.MinScore != nil && m.Score < *opts.MinScore {
			continue
		}
		filtered = append(filtered, m)
	}
	SortMatches(filtered)
	if opts.TopK > 0 && len(filtered) > opts.TopK {
		filtered = filtered[:opts.TopK]
	}
	if filtered == nil {
		return []Match{}
	}
	return filtered
}

// Similarity 计算两个向量的相似度，得分越大越相似
func Similarity(metric string, a, b []float32) float64 {
	switch metric {
	case "dot":
		return dot(a, b)
	case "euclidean":
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return 1 / (1 + math.Sqrt(sum))
	default:
		return cosine(a, b)
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func cosine(a, b []float32) float64 {
	var dotSum, normA, normB float64
	for i := range a {
		dotSum += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotSum / (math.Sqrt(normA) * math.Sqrt(normB))
}
