// chunkpreview 离线预览文件的提取与分块结果，不写入任何存储。
//
//	chunkpreview [-size 1000] [-overlap 200] <file>
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aihub/rag-go/internal/knowledge"
)

func main() {
	size := flag.Int("size", 1000, "chunk size in characters")
	overlap := flag.Int("overlap", 200, "chunk overlap in characters")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: chunkpreview [-size N] [-overlap N] <file>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
		os.Exit(1)
	}

	extractor := knowledge.NewExtractor()
	if key := os.Getenv("UNIDOC_LICENSE_KEY"); key != "" {
		if err := knowledge.SetPDFLicense(key); err != nil {
			fmt.Fprintf(os.Stderr, "pdf license: %v\n", err)
		}
	}
	blocks, err := extractor.Extract(data, filepath.Base(path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "extract: %v\n", err)
		os.Exit(1)
	}

	chunker, err := knowledge.NewChunker(*size, *overlap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chunker: %v\n", err)
		os.Exit(2)
	}
	chunks := chunker.Split(blocks)

	text, _ := knowledge.Join(blocks)
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("文件: %s\n", path)
	fmt.Printf("文本块: %d  字符数: %d\n", len(blocks), len(text))
	fmt.Printf("分块配置: size=%d overlap=%d  分块数量: %d\n", *size, *overlap, len(chunks))
	fmt.Println(strings.Repeat("=", 80))

	for _, c := range chunks {
		page := "-"
		if c.Page != nil {
			page = fmt.Sprint(*c.Page)
		}
		fmt.Printf("#%d  page=%s  [%d,%d)  %d 字符\n", c.Index, page, c.Start, c.End, len([]rune(c.Text)))
		fmt.Println(c.Text)
		fmt.Println(strings.Repeat("-", 80))
	}
}
