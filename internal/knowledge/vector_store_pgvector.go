package knowledge

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// chunkVector chunk_vectors 表的一行
type chunkVector struct {
	PointID      string          `gorm:"primaryKey;column:point_id;size:160"`
	DocID        string          `gorm:"column:doc_id;size:64;not null;index"`
	ChunkIndex   int             `gorm:"column:chunk_index;not null"`
	Filename     string          `gorm:"column:filename;size:1024;not null"`
	Page         *int            `gorm:"column:page"`
	Text         string          `gorm:"column:text;type:text;not null"`
	ModelVersion string          `gorm:"column:model_version;size:128;not null"`
	Embedding    pgvector.Vector `gorm:"column:embedding;type:vector;not null"`
}

func (chunkVector) TableName() string {
	return "chunk_vectors"
}

type chunkVectorMatch struct {
	DocID        string
	ChunkIndex   int
	Filename     string
	Page         *int
	Text         string
	ModelVersion string
	Score        float64
}

// PgVectorIndex 基于 PostgreSQL pgvector 扩展的向量索引，与文档登记共用数据库
type PgVectorIndex struct {
	db           *gorm.DB
	metric       string
	modelVersion string
}

// NewPgVectorIndex 创建 pgvector 索引，表结构由 migrations 维护
func NewPgVectorIndex(db *gorm.DB, modelVersion, metric string) *PgVectorIndex {
	if metric == "" {
		metric = "cosine"
	}
	return &PgVectorIndex{db: db, metric: metric, modelVersion: modelVersion}
}

// scoreExpr 把 pgvector 距离换算成越大越相似的得分
func (p *PgVectorIndex) scoreExpr() string {
	switch p.metric {
	case "dot":
		// <#> 返回负内积
		return "(embedding <#> ?) * -1"
	case "euclidean":
		return "1 / (1 + (embedding <-> ?))"
	default:
		return "1 - (embedding <=> ?)"
	}
}

func (p *PgVectorIndex) Upsert(ctx context.Context, records ...VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := checkModelVersion(p.modelVersion, records); err != nil {
		return err
	}

	rows := make([]chunkVector, 0, len(records))
	for _, r := range records {
		rows = append(rows, chunkVector{
			PointID:      r.PointID(),
			DocID:        r.DocID,
			ChunkIndex:   r.ChunkIndex,
			Filename:     r.Metadata.Filename,
			Page:         r.Metadata.Page,
			Text:         r.Metadata.Text,
			ModelVersion: p.modelVersion,
			Embedding:    pgvector.NewVector(r.Vector),
		})
	}

	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "point_id"}},
			UpdateAll: true,
		}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("pgvector upsert failed: %w", err)
	}
	return nil
}

func (p *PgVectorIndex) Query(ctx context.Context, vector []float32, opts QueryOptions) ([]Match, error) {
	scoreExpr := p.scoreExpr()
	query := pgvector.NewVector(vector)

	// 只取当前模型版本的向量；先按四位小数得分排序再截断，保证同分时 chunk_index 小的优先
	inner := "SELECT doc_id, chunk_index, filename, page, text, model_version, " + scoreExpr + " AS score FROM chunk_vectors WHERE model_version = ?"
	args := []interface{}{query, p.modelVersion}
	if opts.DocID != "" {
		inner += " AND doc_id = ?"
		args = append(args, opts.DocID)
	}
	sql := "SELECT doc_id, chunk_index, filename, page, text, model_version, score FROM (" + inner + ") AS ranked" +
		" ORDER BY ROUND(score::numeric, 4) DESC, chunk_index, doc_id"
	if opts.TopK > 0 {
		sql += " LIMIT ?"
		args = append(args, opts.TopK)
	}

	var rows []chunkVectorMatch
	if err := p.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("pgvector query failed: %w", err)
	}

	matches := make([]Match, 0, len(rows))
	for _, r := range rows {
		matches = append(matches, Match{
			DocID:      r.DocID,
			ChunkIndex: r.ChunkIndex,
			Score:      r.Score,
			Metadata: ChunkMetadata{
				Filename:     r.Filename,
				Page:         r.Page,
				Text:         r.Text,
				ModelVersion: r.ModelVersion,
			},
		})
	}
	return finalizeMatches(matches, opts), nil
}

func (p *PgVectorIndex) DeleteDocument(ctx context.Context, docID string) error {
	err := p.db.WithContext(ctx).Where("doc_id = ?", docID).Delete(&chunkVector{}).Error
	if err != nil {
		return fmt.Errorf("pgvector delete failed: %w", err)
	}
	return nil
}

func (p *PgVectorIndex) Ping(ctx context.Context) error {
	var present bool
	err := p.db.WithContext(ctx).
		Raw("SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')").
		Scan(&present).Error
	if err != nil {
		return fmt.Errorf("pgvector ping failed: %w", err)
	}
	if !present {
		return fmt.Errorf("pgvector extension is not installed")
	}
	return nil
}

func (p *PgVectorIndex) ModelVersion() string {
	return p.modelVersion
}
