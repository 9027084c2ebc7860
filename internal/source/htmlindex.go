package source

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/qbatch/internal/infra/httpx"
)

// HTMLIndex 抓取一个目录索引页，把其中扩展名匹配的 <a href> 作为下载记录。
// 顺序为链接在页面中的出现顺序，重复链接只保留第一次。
type HTMLIndex struct {
	URL    string
	Ext    string
	Client *http.Client
}

func (h HTMLIndex) Name() string { return "index:" + h.URL }

func (h HTMLIndex) Records(ctx context.Context) ([]Record, error) {
	if h.Client == nil {
		return nil, errors.New("http client 不能为空")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := httpx.CheckStatus(resp); err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, err
	}
	return ParseIndex(doc, h.URL, h.Ext), nil
}

// ParseIndex 是纯函数：相同文档 + pageURL => 相同输出。
func ParseIndex(doc *goquery.Document, pageURL, ext string) []Record {
	ext = strings.ToLower(normExt(ext))
	seen := make(map[string]struct{}, 64)
	out := make([]Record, 0, 64)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs := resolveURL(pageURL, href)
		if abs == "" {
			return
		}
		u, err := url.Parse(abs)
		if err != nil || strings.ToLower(path.Ext(u.Path)) != ext {
			return
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, Record{
			Index: len(out),
			Text:  abs,
			Attrs: map[string]string{"url": abs, "title": strings.TrimSpace(s.Text())},
		})
	})
	return out
}

func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	bu, err := url.Parse(base)
	if err != nil {
		return ""
	}
	ru, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := bu.ResolveReference(ru)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}
