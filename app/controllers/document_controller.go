package controllers

import (
	"io"
	"net/http"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/models"
	"github.com/aihub/rag-go/internal/services"
)

// DocumentController 文档上传与登记查询
type DocumentController struct {
	BaseController
	Ingestion *services.IngestionService
}

// NewDocumentController 创建文档控制器
func NewDocumentController(ingestion *services.IngestionService) *DocumentController {
	return &DocumentController{Ingestion: ingestion}
}

// Upload 上传文档并同步完成入库
func (c *DocumentController) Upload() {
	file, header, err := c.GetFile("file")
	if err != nil {
		c.JSONError(apperrors.NewInvalidInputError("file", "file is required"))
		return
	}
	defer file.Close()

	if err := c.Ingestion.Validate(header.Filename, header.Size); err != nil {
		c.JSONError(err)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSONError(apperrors.NewInvalidInputError("file", "failed to read upload").WithCause(err))
		return
	}

	res, err := c.Ingestion.Ingest(c.Ctx.Request.Context(), header.Filename, data)
	if err != nil {
		c.JSONError(err)
		return
	}
	c.JSONStatus(http.StatusCreated, res)
}

// List 文档列表
func (c *DocumentController) List() {
	offset, err := c.intQuery("offset", 0)
	if err != nil {
		c.JSONError(err)
		return
	}
	limit, err := c.intQuery("limit", 20)
	if err != nil {
		c.JSONError(err)
		return
	}

	docs, total, err := c.Ingestion.List(c.Ctx.Request.Context(), offset, limit)
	if err != nil {
		c.JSONError(err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	c.JSONSuccess(map[string]interface{}{
		"documents": docs,
		"total":     total,
	})
}

// Get 文档详情
func (c *DocumentController) Get() {
	doc, err := c.Ingestion.Get(c.Ctx.Request.Context(), c.Ctx.Input.Param(":doc_id"))
	if err != nil {
		c.JSONError(err)
		return
	}
	c.JSONSuccess(doc)
}

// Delete 删除文档及其向量
func (c *DocumentController) Delete() {
	docID := c.Ctx.Input.Param(":doc_id")
	if err := c.Ingestion.Delete(c.Ctx.Request.Context(), docID); err != nil {
		c.JSONError(err)
		return
	}
	c.JSONSuccess(map[string]string{"doc_id": docID})
}
