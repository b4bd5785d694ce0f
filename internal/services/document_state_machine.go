package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/models"
	"github.com/aihub/rag-go/internal/repository"
	"go.uber.org/zap"
)

// DocumentStateMachine 文档状态机
type DocumentStateMachine struct {
	repo   repository.DocumentRepository
	logger *zap.Logger
}

// NewDocumentStateMachine 创建文档状态机实例
func NewDocumentStateMachine(repo repository.DocumentRepository, logger *zap.Logger) *DocumentStateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentStateMachine{repo: repo, logger: logger}
}

// 状态转换规则：pending 只能进入 indexed 或 failed 一次，终态不可再变
var documentTransitions = map[string][]string{
	models.DocumentStatusPending: {
		models.DocumentStatusIndexed,
		models.DocumentStatusFailed,
	},
}

// CanTransition 检查是否可以进行状态转换
func (sm *DocumentStateMachine) CanTransition(from, to string) bool {
	for _, target := range documentTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition 执行状态转换，当前状态必须仍为 from
func (sm *DocumentStateMachine) Transition(ctx context.Context, docID, from, to string, fields map[string]interface{}) error {
	if !sm.CanTransition(from, to) {
		return apperrors.NewBusinessError(apperrors.ErrCodeInvalidState,
			fmt.Sprintf("invalid transition from %s to %s", from, to))
	}

	update := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range fields {
		update[k] = v
	}

	if err := sm.repo.UpdateStatus(ctx, docID, from, update); err != nil {
		if stderrors.Is(err, repository.ErrStaleState) {
			return apperrors.NewBusinessError(apperrors.ErrCodeInvalidState,
				fmt.Sprintf("document %s is no longer %s", docID, from)).WithCause(err)
		}
		return fmt.Errorf("failed to update document status: %w", err)
	}

	sm.logger.Info("document status transitioned",
		zap.String("doc_id", docID),
		zap.String("from", from),
		zap.String("to", to))
	return nil
}
