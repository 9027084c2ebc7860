package artifact

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/John-Robertt/qbatch/internal/infra/fsx"
)

// StagingSuffix 是暂存文件的后缀：<dest>.part。
const StagingSuffix = ".part"

// StateDir 是 root 下的内部状态目录（锁、日志、report），不会被当作产物。
const StateDir = ".qbatch"

// ErrAlreadyCommitted 表示提交时目标已存在且非空：目标保持不变，暂存文件已清理。
// 调用方应把它视为成功（另一次运行已经产出了同一个产物）。
var ErrAlreadyCommitted = errors.New("artifact: 目标已存在")

// CommitError 表示提交失败；目标路径在任何情况下都不会出现半成品。
type CommitError struct {
	Dest string
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("提交失败：%q：%v", e.Dest, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

var (
	errStagingMissing = errors.New("暂存文件不存在")
	errStagingEmpty   = errors.New("暂存文件为空")
)

// Handle 是某个产物在文件系统上的两个位置。
type Handle struct {
	Key     string
	Dest    string
	Staging string
}

// Store 管理 <root>/ 下的产物：存在性判断、暂存、原子提交、丢弃。
//
// 约束：
// - 完整性信号只有“存在且大小 > 0”，不做校验和
// - Commit 用同文件系统 link+unlink 提交，从不覆盖已有产物；EXDEV 直接失败
type Store struct {
	Root string
	Log  *zap.Logger
}

func New(root string, log *zap.Logger) Store {
	if log == nil {
		log = zap.NewNop()
	}
	return Store{
		Root: filepath.Clean(strings.TrimSpace(root)),
		Log:  log,
	}
}

// Handle 把 key 解析为目标与暂存路径。
func (s Store) Handle(key string) (Handle, error) {
	k, err := CleanKey(key)
	if err != nil {
		return Handle{}, err
	}
	dest := filepath.Join(s.Root, filepath.FromSlash(k))
	return Handle{Key: k, Dest: dest, Staging: dest + StagingSuffix}, nil
}

// Exists 判断 key 对应的产物是否已完整存在（普通文件且非空）。
// 非法 key、类型冲突、stat 失败一律视为不存在，由后续执行阶段报告具体错误。
func (s Store) Exists(key string) bool {
	h, err := s.Handle(key)
	if err != nil {
		return false
	}
	size, exists, err := fsx.StatRegular(h.Dest)
	return err == nil && exists && size > 0
}

// EnsureRoot 确保 root 与内部状态目录可写；失败意味着整个批次无法进行。
func (s Store) EnsureRoot() error {
	dir := filepath.Join(s.Root, StateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Stage 打开（截断）暂存文件，父目录不存在时自动创建。
func (s Store) Stage(h Handle) (*os.File, error) {
	return fsx.OpenStaging(h.Staging)
}

// Commit 把暂存文件原子提升为最终产物。
//
// - 暂存文件缺失或为空：返回 *CommitError，目标不变
// - 目标已存在且非空：清理暂存文件并返回 ErrAlreadyCommitted
// - 目标是空文件：视为不存在，直接替换
// - 提交失败（含 EXDEV）：返回 *CommitError，暂存文件保留给 Discard
func (s Store) Commit(h Handle) error {
	size, exists, err := fsx.StatRegular(h.Staging)
	switch {
	case err != nil:
		return &CommitError{Dest: h.Dest, Err: err}
	case !exists:
		return &CommitError{Dest: h.Dest, Err: errStagingMissing}
	case size == 0:
		return &CommitError{Dest: h.Dest, Err: errStagingEmpty}
	}

	// 目标是空文件：不是完整产物（例如其它工具中断留下的），允许被替换。
	if dsize, dexists, derr := fsx.StatRegular(h.Dest); derr == nil && dexists && dsize == 0 {
		_ = os.Remove(h.Dest)
	}

	if err := fsx.PromoteNoOverwrite(h.Staging, h.Dest); err != nil {
		if errors.Is(err, os.ErrExist) && s.Exists(h.Key) {
			s.Discard(h)
			return ErrAlreadyCommitted
		}
		return &CommitError{Dest: h.Dest, Err: err}
	}
	// link 成功后暂存文件通常已删；没删掉的在这里补一次。
	s.Discard(h)
	return nil
}

// Discard 尽力删除暂存文件；失败只记录日志，从不向上返回。
func (s Store) Discard(h Handle) {
	if h.Staging == "" {
		return
	}
	if err := os.Remove(h.Staging); err != nil && !os.IsNotExist(err) {
		s.Log.Warn("丢弃暂存文件失败", zap.String("staging", h.Staging), zap.Error(err))
	}
}

// StatePath 返回内部状态目录下的文件路径。
func (s Store) StatePath(name string) string {
	return filepath.Join(s.Root, StateDir, name)
}

// CleanKey 把 key 规范化为 Store 实际使用的形式（'/' 分隔、path.Clean 后的相对路径）。
// 两个 key 规范化后相同，就指向同一个产物与同一个暂存文件。
func CleanKey(key string) (string, error) {
	k := strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	if k == "" {
		return "", fmt.Errorf("产物 key 不能为空")
	}
	if strings.HasPrefix(k, "/") || filepath.IsAbs(k) {
		return "", fmt.Errorf("产物 key 必须是相对路径：%q", key)
	}
	k = path.Clean(k)
	if k == "." || k == ".." || strings.HasPrefix(k, "../") {
		return "", fmt.Errorf("产物 key 越界：%q", key)
	}
	if k == StateDir || strings.HasPrefix(k, StateDir+"/") {
		return "", fmt.Errorf("产物 key 不能位于 %s/：%q", StateDir, key)
	}
	if strings.HasSuffix(k, StagingSuffix) {
		return "", fmt.Errorf("产物 key 不能以 %s 结尾：%q", StagingSuffix, key)
	}
	return k, nil
}
