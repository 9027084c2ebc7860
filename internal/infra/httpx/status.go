package httpx

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/John-Robertt/qbatch/internal/domain"
)

// HTTPStatusError 表示服务端返回了非 2xx 的 HTTP 状态码。
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Snippet    string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	if s := strings.TrimSpace(e.Snippet); s != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, s)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// CheckStatus 对非 2xx 响应返回带分类的错误（调用方仍负责关闭 body）：
//
// - 408/429/5xx：可重试
// - 其它 4xx：不可重试（输入本身有问题，例如 404）
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	u := ""
	if resp.Request != nil && resp.Request.URL != nil {
		u = resp.Request.URL.String()
	}
	se := &HTTPStatusError{URL: u, StatusCode: resp.StatusCode, Snippet: oneLine(string(snippet))}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.Transient(domain.ErrCodeHTTP429, se)
	case resp.StatusCode == http.StatusRequestTimeout:
		return domain.Transient(domain.ErrCodeTimeout, se)
	case resp.StatusCode >= 500:
		return domain.Transient(domain.ErrCodeHTTP5xx, se)
	case resp.StatusCode >= 400:
		return domain.Terminal(domain.ErrCodeHTTP4xx, se)
	default:
		// 3xx 落到这里说明重定向没有被跟随（或次数耗尽）。
		return domain.Transient(domain.ErrCodeTransient, se)
	}
}

// oneLine 折叠空白并按字符（而非字节）截断到 maxSnippetRunes。
func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if rs := []rune(s); len(rs) > maxSnippetRunes {
		s = string(rs[:maxSnippetRunes]) + "..."
	}
	return s
}

const maxSnippetRunes = 120
