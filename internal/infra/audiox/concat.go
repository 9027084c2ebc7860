package audiox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/qbatch/internal/infra/fsx"
)

// Concat 用 ffmpeg concat demuxer 无损拼接 files（按给定顺序）到 out。
//
// 约束：
// - 输出先写到 out 同目录的临时文件，成功后 rename 到位（失败不留半成品）
// - 清单文件写在同目录，结束后删除
// - out 已存在则覆盖
func Concat(ctx context.Context, ffmpeg string, files []string, out string) error {
	if len(files) == 0 {
		return errors.New("没有可拼接的文件")
	}
	if strings.TrimSpace(ffmpeg) == "" {
		ffmpeg = "ffmpeg"
	}
	out, err := filepath.Abs(out)
	if err != nil {
		return err
	}
	dir := filepath.Dir(out)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	list, err := os.CreateTemp(dir, ".concat-list-*.txt")
	if err != nil {
		return err
	}
	listName := list.Name()
	defer func() { _ = os.Remove(listName) }()

	var buf bytes.Buffer
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			_ = list.Close()
			return err
		}
		buf.WriteString("file ")
		buf.WriteString(quoteConcatPath(abs))
		buf.WriteByte('\n')
	}
	if _, err := list.Write(buf.Bytes()); err != nil {
		_ = list.Close()
		return err
	}
	if err := list.Close(); err != nil {
		return err
	}

	// ffmpeg 按扩展名选择 muxer，临时文件必须保留原扩展名。
	ext := filepath.Ext(out)
	tmp, err := os.CreateTemp(dir, "."+strings.TrimSuffix(filepath.Base(out), ext)+".tmp-*"+ext)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_ = tmp.Close()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listName,
		"-c", "copy",
		"-y",
		tmpName,
	}
	cmd := exec.CommandContext(ctx, ffmpeg, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w: %s", err, strings.TrimSpace(string(output)))
	}
	if err := fsx.Rename(tmpName, out); err != nil {
		return err
	}
	committed = true
	return nil
}

// quoteConcatPath 按 concat 清单语法转义：单引号包裹，内部 ' 写作 '\''。
func quoteConcatPath(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}
