package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked 表示同一 root 上已有另一个运行中的批次。
var ErrLocked = errors.New("artifact: root 已被另一个批次占用")

// Lock 是 root 级别的进程间互斥锁（<root>/.qbatch/lock）。
type Lock struct {
	fl *flock.Flock
}

// Acquire 尝试获取锁，不阻塞：已被占用时返回 ErrLocked。
func (s Store) Acquire() (*Lock, error) {
	p := s.StatePath("lock")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	fl := flock.New(p)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("获取锁失败：%w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w：%s", ErrLocked, p)
	}
	return &Lock{fl: fl}, nil
}

func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
