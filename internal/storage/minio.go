package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aihub/rag-go/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// ObjectArchive 原始上传文件归档
type ObjectArchive interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Remove(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// ObjectKey 文档原始文件在对象存储中的路径
func ObjectKey(docID, filename string) string {
	return fmt.Sprintf("documents/%s/%s", docID, filename)
}

// MinIOArchive 基于MinIO的归档实现
type MinIOArchive struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinIOArchive 创建MinIO归档，bucket不存在时自动创建
func NewMinIOArchive(ctx context.Context, cfg config.ObjectStorageConfig, log *zap.Logger) (*MinIOArchive, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint not configured")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "rag-documents"
	}
	if log == nil {
		log = zap.NewNop()
	}

	// minio.New 不接受协议前缀
	endpoint := strings.TrimPrefix(cfg.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	archive := &MinIOArchive{client: client, bucket: cfg.Bucket, logger: log}

	ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := archive.ensureBucket(ensureCtx); err != nil {
		return nil, err
	}
	return archive, nil
}

func (a *MinIOArchive) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}

	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "BucketAlreadyOwnedByYou" || resp.Code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
	}
	a.logger.Info("已创建MinIO bucket", zap.String("bucket", a.bucket))
	return nil
}

func (a *MinIOArchive) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", key, err)
	}
	return nil
}

// Remove 删除对象，对象不存在不算错误
func (a *MinIOArchive) Remove(ctx context.Context, key string) error {
	if err := a.client.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

func (a *MinIOArchive) Ping(ctx context.Context) error {
	_, err := a.client.BucketExists(ctx, a.bucket)
	return err
}

// NoopArchive 未配置对象存储时使用
type NoopArchive struct{}

func (NoopArchive) Put(context.Context, string, []byte, string) error { return nil }
func (NoopArchive) Remove(context.Context, string) error                { return nil }
func (NoopArchive) Ping(context.Context) error                          { return nil }

// NewArchive 按配置选择归档实现
func NewArchive(ctx context.Context, cfg config.ObjectStorageConfig, log *zap.Logger) (ObjectArchive, error) {
	switch strings.ToLower(cfg.Provider) {
	case "minio", "s3":
		return NewMinIOArchive(ctx, cfg, log)
	case "", "none":
		return NoopArchive{}, nil
	default:
		return nil, fmt.Errorf("unsupported object storage provider: %s", cfg.Provider)
	}
}
