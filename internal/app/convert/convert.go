package convert

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/John-Robertt/qbatch/internal/infra/fsx"
)

// Result 是一次转换的统计。
type Result struct {
	Rows int `json:"rows"`
}

// CSVToPipe 把 CSV 转为以 '|' 分隔的文本（tts 的 quran 输入格式），原子写入 dst。
//
// 约束：
// - 允许各行字段数不同（原样输出）
// - 首行 UTF-8 BOM 会被去掉
// - 失败时 dst 保持不变
func CSVToPipe(src, dst string) (Result, error) {
	in, err := os.Open(src)
	if err != nil {
		return Result{}, err
	}
	defer in.Close()

	var res Result
	err = fsx.WriteStreamAtomic(dst, func(w io.Writer) error {
		n, err := Convert(in, w)
		res.Rows = n
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Convert 逐行转换 r 到 w，返回写出的行数。
func Convert(r io.Reader, w io.Writer) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	cw := csv.NewWriter(w)
	cw.Comma = '|'

	rows := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("解析 CSV 失败：%w", err)
		}
		if rows == 0 && len(rec) > 0 {
			rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
		}
		if err := cw.Write(rec); err != nil {
			return rows, err
		}
		rows++
	}
	cw.Flush()
	return rows, cw.Error()
}
