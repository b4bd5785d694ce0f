package knowledge

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/unidoc/unipdf/v3/common/license"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
)

// Block 提取出的文本块，Page 为空表示来源没有页码信息
type Block struct {
	Text string
	Page *int
}

// FileParser 文件解析器接口
type FileParser interface {
	Parse(data []byte, filename string) ([]Block, error)
	Extensions() []string
}

// Extractor 按扩展名分派到具体解析器
type Extractor struct {
	parsers map[string]FileParser
}

// NewExtractor 创建默认的提取器（pdf / txt / md）
func NewExtractor() *Extractor {
	e := &Extractor{parsers: make(map[string]FileParser)}
	e.Register(&PDFParser{})
	e.Register(&TextParser{})
	return e
}

// Register 注册解析器
func (e *Extractor) Register(parser FileParser) {
	for _, ext := range parser.Extensions() {
		e.parsers[ext] = parser
	}
}

// Supports 判断文件名是否是支持的格式
func (e *Extractor) Supports(filename string) bool {
	_, ok := e.parsers[extensionOf(filename)]
	return ok
}

// SupportedExtensions 返回支持的扩展名
func (e *Extractor) SupportedExtensions() []string {
	exts := make([]string, 0, len(e.parsers))
	for ext := range e.parsers {
		exts = append(exts, ext)
	}
	return exts
}

// Extract 提取文本块。格式校验在任何解析之前完成
func (e *Extractor) Extract(data []byte, filename string) ([]Block, error) {
	ext := extensionOf(filename)
	parser, ok := e.parsers[ext]
	if !ok {
		return nil, apperrors.NewUnsupportedFormatError(ext)
	}

	blocks, err := parser.Parse(data, filename)
	if err != nil {
		return nil, apperrors.NewExtractionError(filename, err)
	}
	if len(blocks) == 0 {
		return nil, apperrors.NewExtractionError(filename, fmt.Errorf("no extractable text"))
	}
	return blocks, nil
}

func extensionOf(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

// SetPDFLicense 设置unidoc许可证密钥（未设置时部分PDF无法解析）
func SetPDFLicense(key string) error {
	if key == "" {
		return nil
	}
	return license.SetMeteredKey(key)
}

// PDFParser PDF解析器，每个非空页面一个文本块
type PDFParser struct{}

func (p *PDFParser) Extensions() []string {
	return []string{".pdf"}
}

func (p *PDFParser) Parse(data []byte, filename string) (blocks []Block, err error) {
	// unipdf 对损坏文件可能直接panic
	defer func() {
		if r := recover(); r != nil {
			blocks = nil
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	pdfReader, err := model.NewPdfReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("解析PDF失败: %w", err)
	}

	encrypted, err := pdfReader.IsEncrypted()
	if err != nil {
		return nil, fmt.Errorf("检查PDF加密状态失败: %w", err)
	}
	if encrypted {
		ok, err := pdfReader.Decrypt([]byte(""))
		if err != nil || !ok {
			return nil, fmt.Errorf("PDF已加密，无法读取")
		}
	}

	numPages, err := pdfReader.GetNumPages()
	if err != nil {
		return nil, fmt.Errorf("获取PDF页数失败: %w", err)
	}

	for i := 1; i <= numPages; i++ {
		page, err := pdfReader.GetPage(i)
		if err != nil {
			return nil, fmt.Errorf("读取第%d页失败: %w", i, err)
		}
		ex, err := extractor.New(page)
		if err != nil {
			return nil, fmt.Errorf("初始化第%d页提取器失败: %w", i, err)
		}
		text, err := ex.ExtractText()
		if err != nil {
			return nil, fmt.Errorf("提取第%d页文本失败: %w", i, err)
		}

		text = strings.TrimSpace(normalizeNewlines(text))
		if text == "" {
			continue
		}
		pageNum := i
		blocks = append(blocks, Block{Text: text, Page: &pageNum})
	}

	return blocks, nil
}

// TextParser 纯文本/Markdown解析器，按空行切分段落
type TextParser struct{}

var paragraphSeparator = regexp.MustCompile(`\n[ \t]*\n+`)

func (p *TextParser) Extensions() []string {
	return []string{".txt", ".md", ".markdown"}
}

func (p *TextParser) Parse(data []byte, filename string) ([]Block, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("文件不是有效的UTF-8文本")
	}

	content := strings.TrimPrefix(string(data), "\ufeff")
	content = normalizeNewlines(content)

	var blocks []Block
	for _, para := range paragraphSeparator.Split(content, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		blocks = append(blocks, Block{Text: para})
	}
	return blocks, nil
}

func normalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}
