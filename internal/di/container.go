package di

import (
	"fmt"
	"sync"

	"github.com/aihub/rag-go/internal/config"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

// Closers 收集需要在退出时释放的资源，按注册的逆序关闭
type Closers struct {
	mu  sync.Mutex
	fns []func() error
}

// Add 注册释放函数
func (c *Closers) Add(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, fn)
}

// Close 逆序执行全部释放函数，返回第一个错误
func (c *Closers) Close() error {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	var first error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewContainer 创建依赖注入容器并注册全部提供者
func NewContainer(cfg *config.Config, log *zap.Logger) (*dig.Container, *Closers, error) {
	if log == nil {
		log = zap.NewNop()
	}
	container := dig.New()
	closers := &Closers{}

	base := []interface{}{
		func() *config.Config { return cfg },
		func() *zap.Logger { return log },
		func() *Closers { return closers },
	}
	for _, p := range base {
		if err := container.Provide(p); err != nil {
			return nil, nil, fmt.Errorf("register base provider: %w", err)
		}
	}

	if err := RegisterProviders(container); err != nil {
		return nil, nil, err
	}
	return container, closers, nil
}
