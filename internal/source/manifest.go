package source

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/qbatch/internal/domain"
)

// ManifestEntry 是 YAML 清单中的一项：
//
//	- id: "001:001"
//	  key: Surah_001/001_001.mp3
//	  url: https://example.com/001001.mp3
//
// url 与 text 二选一（下载用 url，语音合成用 text）。
type ManifestEntry struct {
	ID   string `yaml:"id"`
	Key  string `yaml:"key"`
	URL  string `yaml:"url"`
	Text string `yaml:"text"`
}

type manifestFile struct {
	Units []ManifestEntry `yaml:"units"`
}

// Manifest 从 YAML 文件读取显式的单元清单。
// 支持顶层列表，或 {units: [...]} 两种写法。
type Manifest struct {
	Path string
}

func (m Manifest) Name() string { return "manifest:" + m.Path }

func (m Manifest) Records(ctx context.Context) ([]Record, error) {
	b, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, err
	}
	entries, err := parseManifest(b)
	if err != nil {
		return nil, fmt.Errorf("解析清单失败：%w", err)
	}

	out := make([]Record, 0, len(entries))
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, Record{
			Index: i,
			Text:  strings.TrimSpace(e.URL + e.Text),
			Attrs: map[string]string{
				"id":   strings.TrimSpace(e.ID),
				"key":  strings.TrimSpace(e.Key),
				"url":  strings.TrimSpace(e.URL),
				"text": e.Text,
			},
		})
	}
	return out, nil
}

func parseManifest(b []byte) ([]ManifestEntry, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(b, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var entries []ManifestEntry
		if err := root.Decode(&entries); err != nil {
			return nil, err
		}
		return entries, nil
	case yaml.MappingNode:
		var mf manifestFile
		if err := root.Decode(&mf); err != nil {
			return nil, err
		}
		return mf.Units, nil
	default:
		return nil, fmt.Errorf("清单顶层必须是列表或包含 units 的映射（第 %d 行）", root.Line)
	}
}

// ManifestMapper 把清单项映射为单元。
// 只有 url 的项按 URL 推导 key；text 项必须显式给出 key。
func ManifestMapper() Mapper {
	return func(r Record) (domain.WorkUnit, error) {
		id, key := r.Attrs["id"], r.Attrs["key"]
		rawURL, text := r.Attrs["url"], strings.TrimSpace(r.Attrs["text"])

		switch {
		case rawURL != "" && text != "":
			return domain.WorkUnit{}, fmt.Errorf("清单项 %d 同时给出了 url 与 text", r.Index)
		case rawURL != "":
			u, err := urlUnit(rawURL, key)
			if err != nil {
				return domain.WorkUnit{}, err
			}
			if id != "" {
				u.ID = id
			}
			return u, nil
		case text != "":
			if key == "" {
				return domain.WorkUnit{}, fmt.Errorf("清单项 %d 缺少 key", r.Index)
			}
			if id == "" {
				id = key
			}
			return domain.WorkUnit{ID: id, Key: key, Source: norm.NFC.String(text)}, nil
		default:
			return domain.WorkUnit{}, fmt.Errorf("清单项 %d 缺少 url/text", r.Index)
		}
	}
}
