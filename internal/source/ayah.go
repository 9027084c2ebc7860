package source

import (
	"context"
	"fmt"
	"strconv"

	"github.com/John-Robertt/qbatch/internal/domain"
)

// AyahCounts[s] 是第 s 章的节数（下标 0 占位）。
var AyahCounts = [...]int{0,
	7, 286, 200, 176, 120, 165, 206, 75, 129, 109, 123, 111, 43, 52, 99, 128, 111, 110, 98, 135,
	112, 78, 118, 64, 77, 227, 93, 88, 69, 60, 34, 30, 73, 54, 45, 83, 182, 88, 75, 85,
	54, 53, 89, 59, 37, 35, 38, 29, 18, 45, 60, 49, 62, 55, 78, 96, 29, 22, 24, 13,
	14, 11, 11, 18, 12, 12, 30, 52, 52, 44, 28, 28, 20, 56, 40, 31, 50, 40, 46, 42,
	29, 19, 36, 25, 22, 17, 19, 26, 30, 20, 15, 21, 11, 8, 8, 19, 5, 8, 8, 11,
	11, 8, 3, 9, 5, 4, 7, 3, 6, 3, 5, 4, 5, 6,
}

// SurahCount 是章的总数。
const SurahCount = len(AyahCounts) - 1

// Ayahs 按 (章, 节) 顺序枚举 [From, To] 章内的全部节。
type Ayahs struct {
	From int
	To   int
}

func (Ayahs) Name() string { return "ayahs" }

func (a Ayahs) Records(ctx context.Context) ([]Record, error) {
	from, to := a.From, a.To
	if from == 0 {
		from = 1
	}
	if to == 0 {
		to = SurahCount
	}
	if from < 1 || to > SurahCount || from > to {
		return nil, fmt.Errorf("章范围非法：%d..%d（有效范围 1..%d）", from, to, SurahCount)
	}

	out := make([]Record, 0, 6236)
	for s := from; s <= to; s++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for v := 1; v <= AyahCounts[s]; v++ {
			out = append(out, Record{
				Index: len(out),
				Text:  fmt.Sprintf("%03d%03d", s, v),
				Attrs: map[string]string{"surah": strconv.Itoa(s), "ayah": strconv.Itoa(v)},
			})
		}
	}
	return out, nil
}

// AyahMapper 生成逐节下载单元：
// 产物 Surah_SSS/SSS_AAA.<ext>，远端 <baseURL>SSSAAA.<ext><query>。
func AyahMapper(baseURL, query, ext string) Mapper {
	ext = normExt(ext)
	return func(r Record) (domain.WorkUnit, error) {
		s, err1 := strconv.Atoi(r.Attrs["surah"])
		v, err2 := strconv.Atoi(r.Attrs["ayah"])
		if err1 != nil || err2 != nil || s < 1 || s > SurahCount || v < 1 || v > AyahCounts[s] {
			return domain.WorkUnit{}, fmt.Errorf("非法的章节：%q", r.Text)
		}
		return domain.WorkUnit{
			ID:     fmt.Sprintf("%03d:%03d", s, v),
			Key:    fmt.Sprintf("Surah_%03d/%03d_%03d%s", s, s, v, ext),
			Source: fmt.Sprintf("%s%03d%03d%s%s", baseURL, s, v, ext, query),
		}, nil
	}
}
