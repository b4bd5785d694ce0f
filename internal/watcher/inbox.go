package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aihub/rag-go/internal/services"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Ingester 入库能力
type Ingester interface {
	Validate(filename string, size int64) error
	Ingest(ctx context.Context, filename string, data []byte) (*services.IngestResult, error)
	Delete(ctx context.Context, docID string) error
}

// Inbox 监听目录，文件写入稳定后自动入库。同一路径内容不变时不会重复入库；
// 内容变化时新文档入库成功后删除该路径上一次入库的文档
type Inbox struct {
	dir      string
	ingester Ingester
	settle   time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	seen    map[string]string // path -> sha256
	docs    map[string]string // path -> doc_id
	wg      sync.WaitGroup
}

// NewInbox 创建收件箱监听器
func NewInbox(dir string, ingester Ingester, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		dir:      dir,
		ingester: ingester,
		settle:   500 * time.Millisecond,
		logger:   logger.Named("inbox"),
		pending:  make(map[string]*time.Timer),
		seen:     make(map[string]string),
		docs:     make(map[string]string),
	}
}

// Run 先处理目录中已有文件，然后监听变化直到 ctx 结束
func (i *Inbox) Run(ctx context.Context) error {
	if err := os.MkdirAll(i.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(i.dir); err != nil {
		return fmt.Errorf("watch %s: %w", i.dir, err)
	}
	i.logger.Info("开始监听收件箱", zap.String("dir", i.dir))

	i.scan(ctx)

	defer i.wait()
	for {
		select {
		case <-ctx.Done():
			i.logger.Info("收件箱监听停止")
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			i.handle(ctx, event)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			i.logger.Warn("收件箱监听错误", zap.Error(err))
		}
	}
}

func (i *Inbox) handle(ctx context.Context, event fsnotify.Event) {
	if isHidden(event.Name) {
		return
	}
	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		i.schedule(ctx, event.Name)
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		i.forget(event.Name)
	}
}

// scan 入库启动前已经存在的文件
func (i *Inbox) scan(ctx context.Context) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		i.logger.Warn("读取收件箱失败", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || isHidden(e.Name()) {
			continue
		}
		i.schedule(ctx, filepath.Join(i.dir, e.Name()))
	}
}

// schedule 合并短时间内的多次写事件，最后一次事件后 settle 时长再处理
func (i *Inbox) schedule(ctx context.Context, path string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if t, ok := i.pending[path]; ok && t.Stop() {
		t.Reset(i.settle)
		return
	}
	i.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(i.settle, func() {
		defer i.wg.Done()
		i.mu.Lock()
		if i.pending[path] == timer {
			delete(i.pending, path)
		}
		i.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if _, err := i.IngestFile(ctx, path); err != nil {
			i.logger.Warn("收件箱文件入库失败", zap.String("path", path), zap.Error(err))
		}
	})
	i.pending[path] = timer
}

func (i *Inbox) forget(path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if t, ok := i.pending[path]; ok && t.Stop() {
		delete(i.pending, path)
		i.wg.Done()
	}
	delete(i.seen, path)
}

// wait 停止未触发的定时器并等待进行中的入库完成
func (i *Inbox) wait() {
	i.mu.Lock()
	for path, t := range i.pending {
		if t.Stop() {
			delete(i.pending, path)
			i.wg.Done()
		}
	}
	i.mu.Unlock()
	i.wg.Wait()
}

// IngestFile 读取并入库单个文件，内容未变化时返回 nil 结果
func (i *Inbox) IngestFile(ctx context.Context, path string) (*services.IngestResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, nil
	}

	name := filepath.Base(path)
	if err := i.ingester.Validate(name, info.Size()); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	i.mu.Lock()
	unchanged := i.seen[path] == hash
	i.mu.Unlock()
	if unchanged {
		i.logger.Debug("文件内容未变化，跳过", zap.String("path", path))
		return nil, nil
	}

	res, err := i.ingester.Ingest(ctx, name, data)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	i.seen[path] = hash
	previous := i.docs[path]
	i.docs[path] = res.DocID
	i.mu.Unlock()

	i.logger.Info("收件箱文件已入库",
		zap.String("path", path),
		zap.String("doc_id", res.DocID),
		zap.Int("chunks", res.TotalChunks))

	// 替换旧版本
	if previous != "" && previous != res.DocID {
		if err := i.ingester.Delete(ctx, previous); err != nil {
			i.logger.Warn("删除旧版本文档失败",
				zap.String("path", path),
				zap.String("doc_id", previous),
				zap.Error(err))
		} else {
			i.logger.Info("旧版本文档已删除", zap.String("path", path), zap.String("doc_id", previous))
		}
	}
	return res, nil
}

func isHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~")
}
