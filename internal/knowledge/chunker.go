package knowledge

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// blockSeparator 文本块拼接时使用的分隔符
const blockSeparator = "\n\n"

// Chunk 表示分块后的文本结构。Start/End 是拼接文本中的rune偏移 [Start, End)
type Chunk struct {
	Index int
	Text  string
	Page  *int
	Start int
	End   int
}

// Chunker 文本分块器
type Chunker struct {
	chunkSize    int
	chunkOverlap int
	tolerance    int
}

// NewChunker 创建分块器，overlap >= chunkSize 视为配置错误
func NewChunker(chunkSize, overlap int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("chunk overlap must not be negative, got %d", overlap)
	}
	if overlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap (%d) must be smaller than chunk size (%d)", overlap, chunkSize)
	}

	tolerance := chunkSize / 10
	if tolerance < 1 {
		tolerance = 1
	}

	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: overlap,
		tolerance:    tolerance,
	}, nil
}

// ChunkSize 返回窗口大小
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// Overlap 返回重叠大小
func (c *Chunker) Overlap() int { return c.chunkOverlap }

// Join 按分块时的规则拼接文本块，返回拼接文本以及每个块的起始偏移
func Join(blocks []Block) ([]rune, []int) {
	var sb strings.Builder
	offsets := make([]int, 0, len(blocks))
	pos := 0
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString(blockSeparator)
			pos += len([]rune(blockSeparator))
		}
		offsets = append(offsets, pos)
		sb.WriteString(b.Text)
		pos += len([]rune(b.Text))
	}
	return []rune(sb.String()), offsets
}

// Split 将文本块切分为有重叠的窗口。同样的输入与配置总是得到同样的结果
func (c *Chunker) Split(blocks []Block) []Chunk {
	text, offsets := Join(blocks)
	n := len(text)
	if n == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	for {
		end := start + c.chunkSize
		if end >= n {
			end = n
		} else {
			end = c.breakPoint(text, start, end)
		}

		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  string(text[start:end]),
			Page:  pageAt(blocks, offsets, start),
			Start: start,
			End:   end,
		})

		if end == n {
			break
		}

		next := end - c.chunkOverlap
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return chunks
}

// breakPoint 在 [end-tolerance, end] 内向前寻找切分点：优先句子结尾，其次空白
func (c *Chunker) breakPoint(text []rune, start, end int) int {
	lower := end - c.tolerance
	if lower <= start {
		lower = start + 1
	}

	for p := end; p >= lower; p-- {
		if isSentenceEnd(text[p-1]) && unicode.IsSpace(text[p]) {
			return p
		}
	}
	for p := end; p >= lower; p-- {
		if unicode.IsSpace(text[p]) {
			return p
		}
	}
	return end
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', ';', '；':
		return true
	}
	return false
}

// pageAt 返回偏移所在文本块的页码；分隔符归属于前一个块
func pageAt(blocks []Block, offsets []int, pos int) *int {
	if len(blocks) == 0 {
		return nil
	}
	idx := sort.Search(len(offsets), func(i int) bool { return offsets[i] > pos }) - 1
	if idx < 0 {
		idx = 0
	}
	if blocks[idx].Page == nil {
		return nil
	}
	page := *blocks[idx].Page
	return &page
}
