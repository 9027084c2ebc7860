package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/qbatch/internal/app/convert"
)

func newConvertCommand() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "convert [IN.csv]",
		Short: "把 CSV 转成 tts 使用的 \"|\" 分隔文本",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := "amanithafseer.csv"
			if len(args) == 1 {
				in = args[0]
			}
			res, err := convert.CSVToPipe(in, out)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "已转换 %d 行：%s -> %s\n", res.Rows, in, out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "output", "o", "amanithafseer.txt", "输出文件")
	return cmd
}
