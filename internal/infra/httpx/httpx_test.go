package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/John-Robertt/qbatch/internal/domain"
)

func TestNewPageClient_ProxyDisablesKeepAlive(t *testing.T) {
	c, err := NewPageClient("http://127.0.0.1:8080")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	tr, ok := c.Transport.(*Transport)
	if !ok {
		t.Fatalf("期望 *Transport，实际 %T", c.Transport)
	}
	if tr.Base.Proxy == nil {
		t.Fatalf("期望启用代理，但 Proxy=nil")
	}
	if !tr.Base.DisableKeepAlives || !tr.DisableKeepAlives {
		t.Fatalf("代理模式应禁用 keep-alive")
	}
	if tr.RetryMax != defaultPageRetryMax || c.Timeout != defaultPageTimeout {
		t.Fatalf("页面 client 应有重试与总超时：retry=%d timeout=%s", tr.RetryMax, c.Timeout)
	}
}

func TestNewDownloadClient_NoRetryNoTotalTimeout(t *testing.T) {
	c, err := NewDownloadClient("", 8)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	tr := c.Transport.(*Transport)
	if tr.Base.Proxy != nil {
		t.Fatalf("不期望启用代理，但 Proxy!=nil")
	}
	if tr.RetryMax != 0 {
		t.Fatalf("下载 client 不应重试，实际 RetryMax=%d", tr.RetryMax)
	}
	if c.Timeout != 0 {
		t.Fatalf("下载 client 不应设置总超时，实际 %s", c.Timeout)
	}
	if tr.Base.MaxConnsPerHost != 8 {
		t.Fatalf("期望 MaxConnsPerHost=8，实际 %d", tr.Base.MaxConnsPerHost)
	}
}

func TestNewClient_InvalidProxyURL(t *testing.T) {
	if _, err := NewPageClient("http://[::1"); err == nil {
		t.Fatalf("期望错误，但得到 nil")
	}
}

func TestCheckStatus_Classification(t *testing.T) {
	cases := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusNotFound, domain.ErrCodeHTTP4xx, false},
		{http.StatusForbidden, domain.ErrCodeHTTP4xx, false},
		{http.StatusTooManyRequests, domain.ErrCodeHTTP429, true},
		{http.StatusBadGateway, domain.ErrCodeHTTP5xx, true},
	}
	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
			_, _ = w.Write([]byte("<html>nope</html>"))
		}))
		resp, err := http.Get(srv.URL)
		if err != nil {
			srv.Close()
			t.Fatalf("请求失败：%v", err)
		}
		serr := CheckStatus(resp)
		_ = resp.Body.Close()
		srv.Close()

		code, retryable := domain.Classify(serr)
		if code != c.code || retryable != c.retryable {
			t.Fatalf("status=%d 分类为 (%s,%v)，期望 (%s,%v)", c.status, code, retryable, c.code, c.retryable)
		}
	}
}

func TestOneLine_TruncatesByRune(t *testing.T) {
	in := "  错误\n\t" + strings.Repeat("页", 200)
	got := oneLine(in)
	if !utf8.ValidString(got) {
		t.Fatalf("截断后不应拆开多字节字符：%q", got)
	}
	if !strings.HasPrefix(got, "错误 页") || !strings.HasSuffix(got, "...") {
		t.Fatalf("应折叠空白并追加省略号：%q", got)
	}
	if n := utf8.RuneCountInString(got); n != maxSnippetRunes+3 {
		t.Fatalf("期望 %d 个字符，实际 %d", maxSnippetRunes+3, n)
	}
	if got := oneLine("short  body"); got != "short body" {
		t.Fatalf("短文本不应截断：%q", got)
	}
}
