package services

import (
	"fmt"
	"unicode/utf8"

	"github.com/aihub/rag-go/internal/knowledge"
	"github.com/aihub/rag-go/internal/metrics"
)

// DefaultSystemPrompt 默认系统指令
const DefaultSystemPrompt = "You are a helpful assistant that answers questions about the user's uploaded documents.\n" +
	"- Use the provided context when it is relevant and cite nothing that is not in it.\n" +
	"- If the context does not contain the answer, say so and answer from general knowledge.\n" +
	"- Keep answers concise."

// AssemblerOptions 上下文拼接参数
type AssemblerOptions struct {
	SystemPrompt string
	HistoryTurns int // 一轮 = 用户消息 + 回答
	HistoryChars int
	PromptBudget int
}

// Assembly 拼接结果
type Assembly struct {
	Prompt         knowledge.Prompt
	Included       []knowledge.Match
	Sources        []Source
	DroppedHistory int
	DroppedChunks  int
}

// ContextAssembler 在字符预算内组合检索片段与会话历史
type ContextAssembler struct {
	opts AssemblerOptions
}

// NewContextAssembler 创建上下文拼接器
func NewContextAssembler(opts AssemblerOptions) *ContextAssembler {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	return &ContextAssembler{opts: opts}
}

// HistoryWindow 需要从会话存储读取的消息条数
func (a *ContextAssembler) HistoryWindow() int {
	if a.opts.HistoryTurns <= 0 {
		return 0
	}
	return a.opts.HistoryTurns * 2
}

// BoundHistory 取最近 N 轮，再从最旧的消息开始裁剪直到不超过字符预算
func (a *ContextAssembler) BoundHistory(history []Message) []knowledge.Turn {
	window := a.HistoryWindow()
	if window == 0 || len(history) == 0 {
		return nil
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}

	turns := make([]knowledge.Turn, 0, len(history))
	total := 0
	for _, m := range history {
		turns = append(turns, knowledge.Turn{Role: m.Role, Text: m.Text})
		total += utf8.RuneCountInString(m.Text)
	}
	if a.opts.HistoryChars > 0 {
		for len(turns) > 0 && total > a.opts.HistoryChars {
			total -= utf8.RuneCountInString(turns[0].Text)
			turns = turns[1:]
		}
	}
	return turns
}

// Assemble 组装提示词。超出预算时先丢最旧的历史，再丢得分最低的片段；
// 问题和得分最高的片段始终保留
func (a *ContextAssembler) Assemble(question string, matches []knowledge.Match, history []Message) Assembly {
	chunks := dedupByText(matches)
	turns := a.BoundHistory(history)

	asm := Assembly{}
	build := func() knowledge.Prompt {
		entries := make([]string, len(chunks))
		for i, m := range chunks {
			entries[i] = formatContextEntry(m)
		}
		return knowledge.Prompt{
			System:   a.opts.SystemPrompt,
			Context:  entries,
			History:  turns,
			Question: question,
		}
	}

	prompt := build()
	if a.opts.PromptBudget > 0 {
		for utf8.RuneCountInString(prompt.Render()) > a.opts.PromptBudget {
			if len(turns) > 0 {
				turns = dropOldestTurn(turns, &asm.DroppedHistory)
			} else if len(chunks) > 1 {
				chunks = chunks[:len(chunks)-1]
				asm.DroppedChunks++
			} else {
				break
			}
			prompt = build()
		}
	}

	if asm.DroppedHistory > 0 {
		metrics.ContextDropped.WithLabelValues("history").Add(float64(asm.DroppedHistory))
	}
	if asm.DroppedChunks > 0 {
		metrics.ContextDropped.WithLabelValues("chunk").Add(float64(asm.DroppedChunks))
	}

	asm.Prompt = prompt
	asm.Included = chunks
	asm.Sources = sourcesOf(chunks)
	return asm
}

// dropOldestTurn 丢弃最旧的一条用户消息及紧随其后的回答
func dropOldestTurn(turns []knowledge.Turn, dropped *int) []knowledge.Turn {
	n := 1
	if turns[0].Role == knowledge.RoleUser && len(turns) > 1 && turns[1].Role == knowledge.RoleBot {
		n = 2
	}
	*dropped += n
	return turns[n:]
}

// dedupByText 按得分降序去重相同文本的片段
func dedupByText(matches []knowledge.Match) []knowledge.Match {
	sorted := make([]knowledge.Match, len(matches))
	copy(sorted, matches)
	knowledge.SortMatches(sorted)

	seen := make(map[string]struct{}, len(sorted))
	out := make([]knowledge.Match, 0, len(sorted))
	for _, m := range sorted {
		if _, ok := seen[m.Metadata.Text]; ok {
			continue
		}
		seen[m.Metadata.Text] = struct{}{}
		out = append(out, m)
	}
	return out
}

func formatContextEntry(m knowledge.Match) string {
	if m.Metadata.Page != nil {
		return fmt.Sprintf("From %s (Page %d):\n%s", m.Metadata.Filename, *m.Metadata.Page, m.Metadata.Text)
	}
	return fmt.Sprintf("From %s:\n%s", m.Metadata.Filename, m.Metadata.Text)
}

// sourcesOf 按纳入顺序去重 (filename, page)
func sourcesOf(chunks []knowledge.Match) []Source {
	type key struct {
		filename string
		page     int
		hasPage  bool
	}
	seen := make(map[key]struct{}, len(chunks))
	out := make([]Source, 0, len(chunks))
	for _, m := range chunks {
		k := key{filename: m.Metadata.Filename}
		var page *int
		if m.Metadata.Page != nil {
			k.page, k.hasPage = *m.Metadata.Page, true
			p := *m.Metadata.Page
			page = &p
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, Source{Filename: m.Metadata.Filename, Page: page})
	}
	return out
}
