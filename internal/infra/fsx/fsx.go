package fsx

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// 通过可替换的函数指针，让测试能稳定模拟 EXDEV 等错误。
var (
	renameFunc = os.Rename
	linkFunc   = os.Link
)

// PathTypeConflictError 表示目标路径类型冲突（例如期望文件但实际是目录）。
// 上层可把它映射为 error_code=target_conflict。
type PathTypeConflictError struct {
	Path string
	Want string
	Got  string
}

func (e *PathTypeConflictError) Error() string {
	return fmt.Sprintf("目标路径类型冲突：%q（期望 %s，实际 %s）", e.Path, e.Want, e.Got)
}

func IsPathTypeConflict(err error) bool {
	var e *PathTypeConflictError
	return errors.As(err, &e)
}

// CrossDeviceError 表示跨盘（EXDEV）导致的 rename 失败。
// 暂存文件与目标必须在同一文件系统；遇到 EXDEV 直接失败，不做 copy+delete。
type CrossDeviceError struct {
	Src string
	Dst string
	Err error
}

func (e *CrossDeviceError) Error() string {
	return fmt.Sprintf("跨盘提交失败（EXDEV）：%q -> %q；暂存文件与产物必须位于同一文件系统：%v", e.Src, e.Dst, e.Err)
}

func (e *CrossDeviceError) Unwrap() error { return e.Err }

// IsCrossDevice 判断 err 是否为跨盘（EXDEV）错误。
func IsCrossDevice(err error) bool {
	var e *CrossDeviceError
	return errors.As(err, &e)
}

// Rename 封装 os.Rename，并把 EXDEV 显式标记为 CrossDeviceError。
func Rename(src, dst string) error {
	if err := renameFunc(src, dst); err != nil {
		if isEXDEV(err) {
			return &CrossDeviceError{Src: src, Dst: dst, Err: err}
		}
		return err
	}
	return nil
}

// StatRegular 返回 path 处普通文件的大小。
//
// - 不存在：exists=false，err=nil
// - 存在但不是普通文件：返回 PathTypeConflictError
func StatRegular(path string) (size int64, exists bool, err error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if fi.IsDir() {
		return 0, true, &PathTypeConflictError{Path: path, Want: "file", Got: "dir"}
	}
	if !fi.Mode().IsRegular() {
		return 0, true, &PathTypeConflictError{Path: path, Want: "regular file", Got: fi.Mode().Type().String()}
	}
	return fi.Size(), true, nil
}

// OpenStaging 创建（或截断）暂存文件，父目录不存在时自动创建。
// 上次中断残留的同名暂存文件会被直接覆盖。
func OpenStaging(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

// PromoteNoOverwrite 把已写完的 src 提升为 dst，且从不覆盖已有的 dst。
//
// 用 link(2) 建立 dst 再删除 src：dst 已存在时 link 由内核返回 EEXIST，
// 多个进程同时提交同一个 dst 也只有一个会成功。
// 文件系统不支持硬链接时退化为 stat + rename（此时不再防并发覆盖）。
//
// - dst 已存在且是普通文件：返回 os.ErrExist（src 保持原样，由调用方决定清理）
// - dst 类型冲突：返回 PathTypeConflictError
// - src 与 dst 必须同一文件系统，否则返回 CrossDeviceError
func PromoteNoOverwrite(src, dst string) error {
	if _, exists, err := StatRegular(dst); err != nil {
		return err
	} else if exists {
		return os.ErrExist
	}

	err := linkFunc(src, dst)
	switch {
	case err == nil:
		// dst 已完整可见；src 删不掉只会留下一个暂存文件，交给调用方 Discard。
		_ = os.Remove(src)
	case errors.Is(err, os.ErrExist):
		if _, _, serr := StatRegular(dst); serr != nil {
			return serr
		}
		return os.ErrExist
	case isEXDEV(err):
		return &CrossDeviceError{Src: src, Dst: dst, Err: err}
	case isLinkUnsupported(err):
		if err := Rename(src, dst); err != nil {
			return err
		}
	default:
		return err
	}
	// 目录 fsync：best-effort（不同平台/文件系统的语义差异很大）。
	_ = syncDirBestEffort(filepath.Dir(dst))
	return nil
}

// WriteFileAtomic 在 dir 下原子写入 name（临时文件 + rename），目标存在则覆盖。
// 用于 report 等内部状态文件。
func WriteFileAtomic(dir, name string, data []byte) error {
	return WriteStreamAtomic(filepath.Join(dir, name), func(w io.Writer) error {
		return writeAll(w, data)
	})
}

// WriteStreamAtomic 以流的方式原子写入 dst：fill 写完并 Sync 之后才 rename 到位。
// fill 返回错误时临时文件被删除，dst 保持不变。
func WriteStreamAtomic(dst string, fill func(w io.Writer) error) error {
	dir := filepath.Dir(dst)
	name := filepath.Base(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// 同目录临时文件（前缀带 '.'，避免出现在产物列表里）。
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	bw := bufio.NewWriterSize(tmp, 64*1024)
	if err := fill(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := Rename(tmpName, dst); err != nil {
		return err
	}
	_ = syncDirBestEffort(dir)

	// rename 成功后，不应删除最终文件。
	return nil
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func syncDirBestEffort(dir string) error {
	// Windows 上目录 Sync 的语义与支持情况不稳定，这里直接跳过。
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
