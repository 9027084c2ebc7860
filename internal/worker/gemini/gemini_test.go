package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/qbatch/internal/domain"
	"github.com/John-Robertt/qbatch/internal/infra/audiox"
)

// fakeLive 模拟 BidiGenerateContent：setup → setupComplete → clientContent → 若干音频帧。
type fakeLive struct {
	t        *testing.T
	chunks   [][]byte
	errorMsg string
	hang     bool
	gotText  chan string
}

func (f *fakeLive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("key") != "k" {
		http.Error(w, "API key not valid", http.StatusUnauthorized)
		return
	}
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var setup map[string]any
	if err := conn.ReadJSON(&setup); err != nil {
		return
	}
	_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})

	var cc clientContentMessage
	if err := conn.ReadJSON(&cc); err != nil {
		return
	}
	if f.gotText != nil && len(cc.ClientContent.Turns) == 1 && len(cc.ClientContent.Turns[0].Parts) == 1 {
		f.gotText <- cc.ClientContent.Turns[0].Parts[0].Text
	}

	if f.hang {
		_, _, _ = conn.ReadMessage()
		return
	}
	if f.errorMsg != "" {
		_ = conn.WriteJSON(map[string]any{"error": map[string]any{"code": 400, "message": f.errorMsg}})
		return
	}
	for i, c := range f.chunks {
		msg := map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{map[string]any{"inlineData": map[string]any{
						"mimeType": "audio/pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString(c),
					}}},
				},
			},
		}
		b, _ := json.Marshal(msg)
		// 交替使用 text / binary 帧。
		typ := websocket.TextMessage
		if i%2 == 1 {
			typ = websocket.BinaryMessage
		}
		_ = conn.WriteMessage(typ, b)
	}
	_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
	_, _, _ = conn.ReadMessage()
}

func newServer(t *testing.T, f *fakeLive) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWorker_CollectsAudioChunks(t *testing.T) {
	f := &fakeLive{t: t, chunks: [][]byte{{1, 0, 2, 0}, {3, 0}}, gotText: make(chan string, 1)}
	_, endpoint := newServer(t, f)

	w := Worker{
		Client:  Client{Endpoint: endpoint, APIKey: "k", Model: "m", Voice: "Charon"},
		Prompt:  "PROMPT:",
		Encoder: audiox.Encoder{Format: "pcm", SampleRate: 24000},
	}
	var out bytes.Buffer
	err := w.Do(context.Background(), domain.WorkUnit{ID: "1:1", Source: "  بِسْمِ  "}, &out)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0, 3, 0}, out.Bytes())
	assert.Equal(t, "PROMPT:بِسْمِ", <-f.gotText)
}

func TestWorker_EmptyAudioIsRetryable(t *testing.T) {
	_, endpoint := newServer(t, &fakeLive{t: t})

	w := Worker{Client: Client{Endpoint: endpoint, APIKey: "k"}, Encoder: audiox.Encoder{Format: "pcm"}}
	err := w.Do(context.Background(), domain.WorkUnit{ID: "x", Source: "text"}, &bytes.Buffer{})
	require.Error(t, err)
	code, retryable := domain.Classify(err)
	assert.Equal(t, domain.ErrCodeEmptyOutput, code)
	assert.True(t, retryable)
}

func TestClient_ServerErrorIsTerminal(t *testing.T) {
	_, endpoint := newServer(t, &fakeLive{t: t, errorMsg: "invalid argument"})

	_, err := Client{Endpoint: endpoint, APIKey: "k"}.Generate(context.Background(), "p")
	require.Error(t, err)
	code, retryable := domain.Classify(err)
	assert.Equal(t, domain.ErrCodeHTTP4xx, code)
	assert.False(t, retryable)
}

func TestClient_HandshakeRejected(t *testing.T) {
	_, endpoint := newServer(t, &fakeLive{t: t})

	_, err := Client{Endpoint: endpoint, APIKey: "wrong"}.Generate(context.Background(), "p")
	require.Error(t, err)
	code, retryable := domain.Classify(err)
	assert.Equal(t, domain.ErrCodeHTTP4xx, code)
	assert.False(t, retryable)
	assert.NotContains(t, err.Error(), "wrong", "错误信息不应包含 API key")
}

func TestClient_RespectsContextDeadline(t *testing.T) {
	_, endpoint := newServer(t, &fakeLive{t: t, hang: true})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Client{Endpoint: endpoint, APIKey: "k"}.Generate(ctx, "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "err=%v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWorker_RejectsEmptyText(t *testing.T) {
	err := Worker{}.Do(context.Background(), domain.WorkUnit{ID: "x", Source: "  "}, &bytes.Buffer{})
	require.Error(t, err)
	_, retryable := domain.Classify(err)
	assert.False(t, retryable)
}

func TestLoadPrompt(t *testing.T) {
	p, err := LoadPrompt("")
	require.NoError(t, err)
	assert.Contains(t, p, "Malayalam")
	assert.True(t, strings.HasSuffix(p, "\n\n"), "内置提示词应以空行结尾，文本直接拼接在其后")

	path := filepath.Join(t.TempDir(), "p.txt")
	require.NoError(t, os.WriteFile(path, []byte("Read: "), 0o644))
	p, err = LoadPrompt(path)
	require.NoError(t, err)
	assert.Equal(t, "Read: ", p)

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))
	_, err = LoadPrompt(path)
	assert.Error(t, err)
}
