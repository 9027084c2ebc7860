package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/qbatch/internal/infra/audiox"
	"github.com/John-Robertt/qbatch/internal/scan"
)

func newConcatCommand() *cobra.Command {
	var (
		out       string
		ext       string
		recursive bool
		ffmpeg    string
	)

	cmd := &cobra.Command{
		Use:   "concat DIR",
		Short: "按文件名顺序把目录中的音频无损拼接为一个文件（ffmpeg）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return usageError(err)
			}
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				return usageError(errors.New("--ext 不能为空"))
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			if out == "" {
				out = filepath.Join(dir, "concatenated_ffmpeg"+ext)
			}
			outAbs, err := filepath.Abs(out)
			if err != nil {
				return usageError(err)
			}

			bin, err := audiox.LookupFFmpeg(ffmpeg)
			if err != nil {
				return usageError(err)
			}

			files, err := scan.ScanFiles(dir, scan.Options{Ext: ext, Recursive: recursive})
			if err != nil {
				return &exitError{code: exitFailed, err: fmt.Errorf("扫描 %s 失败：%w", dir, err)}
			}
			inputs := make([]string, 0, len(files))
			for _, f := range files {
				// 上一次的输出也在目录里：不能把它再拼进去。
				if f.AbsPath == outAbs {
					continue
				}
				inputs = append(inputs, f.AbsPath)
			}
			if len(inputs) == 0 {
				return &exitError{code: exitFailed, err: fmt.Errorf("%s 下没有 %s 文件", dir, ext)}
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "拼接 %d 个文件 -> %s\n", len(inputs), outAbs)
			if err := audiox.Concat(cmd.Context(), bin, inputs, outAbs); err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), outAbs)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&out, "output", "o", "", "输出文件（默认 DIR/concatenated_ffmpeg<ext>）")
	fs.StringVar(&ext, "ext", ".wav", "要拼接的文件扩展名")
	fs.BoolVarP(&recursive, "recursive", "r", false, "递归扫描子目录")
	fs.StringVar(&ffmpeg, "ffmpeg", "ffmpeg", "ffmpeg 可执行文件")

	return cmd
}
