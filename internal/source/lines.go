package source

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/John-Robertt/qbatch/internal/domain"
)

// Lines 把文本文件的每一行作为一条记录（保留空行，以便行号稳定）。
type Lines struct {
	Path string
}

func (l Lines) Name() string { return "lines:" + l.Path }

func (l Lines) Records(ctx context.Context) ([]Record, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	// 单行可能是整段经文/注释，放宽默认 64KiB 限制。
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	out := make([]Record, 0, 256)
	for sc.Scan() {
		if len(out)%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line := sc.Text()
		if len(out) == 0 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		out = append(out, Record{Index: len(out), Text: strings.TrimRight(line, "\r")})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// QuranLineMapper 解析 "sura|ayah|text" 行：产物 <sura>/<ayah><ext>，载荷为 NFC 规范化后的 text。
// 字段数不是 3 的行视为畸形。
func QuranLineMapper(ext string) Mapper {
	ext = normExt(ext)
	return func(r Record) (domain.WorkUnit, error) {
		parts := strings.Split(strings.TrimSpace(r.Text), "|")
		if len(parts) != 3 {
			return domain.WorkUnit{}, fmt.Errorf("畸形行（期望 sura|ayah|text）：%q", truncate(r.Text, 80))
		}
		sura := strings.TrimSpace(parts[0])
		ayah := strings.TrimSpace(parts[1])
		text := norm.NFC.String(strings.TrimSpace(parts[2]))
		if !isPathSegment(sura) || !isPathSegment(ayah) {
			return domain.WorkUnit{}, fmt.Errorf("畸形行（sura/ayah 非法）：%q", truncate(r.Text, 80))
		}
		if text == "" {
			return domain.WorkUnit{}, fmt.Errorf("畸形行（text 为空）：%s|%s", sura, ayah)
		}
		return domain.WorkUnit{
			ID:     sura + ":" + ayah,
			Key:    sura + "/" + ayah + ext,
			Source: text,
		}, nil
	}
}

// SimpleLineMapper 把每个非空行映射为 NNN<ext>（NNN 为 1-based 行号），空行静默跳过。
func SimpleLineMapper(ext string) Mapper {
	ext = normExt(ext)
	return func(r Record) (domain.WorkUnit, error) {
		text := norm.NFC.String(strings.TrimSpace(r.Text))
		if text == "" {
			return domain.WorkUnit{}, ErrSkip
		}
		n := r.Index + 1
		return domain.WorkUnit{
			ID:     fmt.Sprintf("%03d", n),
			Key:    fmt.Sprintf("%03d%s", n, ext),
			Source: text,
		}, nil
	}
}

// URLLineMapper 解析 "URL [key]" 行；key 缺省为 URL 路径的最后一段。
// 空行与 '#' 开头的注释行静默跳过。
func URLLineMapper() Mapper {
	return func(r Record) (domain.WorkUnit, error) {
		line := strings.TrimSpace(r.Text)
		if line == "" || strings.HasPrefix(line, "#") {
			return domain.WorkUnit{}, ErrSkip
		}
		fields := strings.Fields(line)
		if len(fields) > 2 {
			return domain.WorkUnit{}, fmt.Errorf("畸形行（期望 URL [key]）：%q", truncate(line, 80))
		}
		raw := fields[0]
		key := ""
		if len(fields) == 2 {
			key = fields[1]
		}
		return urlUnit(raw, key)
	}
}

func urlUnit(raw, key string) (domain.WorkUnit, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.WorkUnit{}, fmt.Errorf("非法 URL：%q", truncate(raw, 120))
	}
	if key == "" {
		base := path.Base(u.Path)
		if base == "." || base == "/" || base == "" {
			return domain.WorkUnit{}, fmt.Errorf("无法从 URL 推导产物名：%q", truncate(raw, 120))
		}
		if unescaped, err := url.PathUnescape(base); err == nil {
			base = unescaped
		}
		key = base
	}
	return domain.WorkUnit{ID: key, Key: key, Source: u.String()}, nil
}

func normExt(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" {
		return ".mp3"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func isPathSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func truncate(s string, max int) string {
	rs := []rune(strings.TrimSpace(s))
	if max <= 0 || len(rs) <= max {
		return string(rs)
	}
	if max <= 3 {
		return string(rs[:max])
	}
	return string(rs[:max-3]) + "..."
}
