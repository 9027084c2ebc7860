package gemini

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/John-Robertt/qbatch/internal/domain"
	"github.com/John-Robertt/qbatch/internal/infra/audiox"
	"github.com/John-Robertt/qbatch/internal/infra/httpx"
)

// DefaultPrompt 是内置的马拉雅拉姆语诵读提示词，逐条文本直接拼在其后。
//
//go:embed prompt_ml.txt
var DefaultPrompt string

// LoadPrompt 读取提示词文件；path 为空时返回内置提示词。
func LoadPrompt(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPrompt, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(string(b)) == "" {
		return "", fmt.Errorf("提示词文件为空：%s", path)
	}
	return string(b), nil
}

// Client 是 Gemini Live（BidiGenerateContent）的最小音频客户端：
// 每次 Generate 建立一个独立会话，发送一轮文本，收集整轮的 PCM。
type Client struct {
	Endpoint string
	APIKey   string
	Model    string
	Voice    string
	Dialer   *websocket.Dialer

	// HandshakeTimeout 只约束建连；整次生成的时限由 ctx 决定。
	HandshakeTimeout time.Duration
}

type setupMessage struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model            string           `json:"model"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       speechConfig `json:"speechConfig"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type clientContentMessage struct {
	ClientContent struct {
		Turns        []content `json:"turns"`
		TurnComplete bool      `json:"turnComplete"`
	} `json:"clientContent"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data"`
}

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *struct {
		ModelTurn    *content `json:"modelTurn,omitempty"`
		TurnComplete bool     `json:"turnComplete,omitempty"`
		Interrupted  bool     `json:"interrupted,omitempty"`
	} `json:"serverContent,omitempty"`
	GoAway *json.RawMessage `json:"goAway,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate 发送 prompt 并返回模型输出的裸 PCM（s16le）。
// 会话在收到 turnComplete 后关闭；没有任何音频时返回空切片。
func (c Client) Generate(ctx context.Context, prompt string) ([]byte, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// ctx 结束时关闭连接，解除阻塞中的读写。
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	var sm setupMessage
	sm.Setup.Model = c.Model
	sm.Setup.GenerationConfig.ResponseModalities = []string{"AUDIO"}
	sm.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = c.Voice
	if err := conn.WriteJSON(sm); err != nil {
		return nil, c.wrapIOErr(ctx, err)
	}
	if err := c.waitSetup(ctx, conn); err != nil {
		return nil, err
	}

	var cm clientContentMessage
	cm.ClientContent.Turns = []content{{Role: "user", Parts: []part{{Text: prompt}}}}
	cm.ClientContent.TurnComplete = true
	if err := conn.WriteJSON(cm); err != nil {
		return nil, c.wrapIOErr(ctx, err)
	}

	var pcm []byte
	for {
		msg, err := readMessage(conn)
		if err != nil {
			return nil, c.wrapIOErr(ctx, err)
		}
		if err := msg.err(); err != nil {
			return nil, err
		}
		if msg.ServerContent == nil {
			continue
		}
		if turn := msg.ServerContent.ModelTurn; turn != nil {
			for _, p := range turn.Parts {
				if p.InlineData == nil || p.InlineData.Data == "" {
					continue
				}
				b, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					return nil, domain.Transient(domain.ErrCodeNetwork, fmt.Errorf("音频数据解码失败：%w", err))
				}
				pcm = append(pcm, b...)
			}
		}
		if msg.ServerContent.TurnComplete {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return pcm, nil
		}
	}
}

func (c Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, domain.Terminal(domain.ErrCodeInvalidInput, err)
	}
	if c.APIKey != "" {
		q := u.Query()
		q.Set("key", c.APIKey)
		u.RawQuery = q.Encode()
	}

	d := c.Dialer
	if d == nil {
		d = &websocket.Dialer{Proxy: http.ProxyFromEnvironment}
		if c.HandshakeTimeout > 0 {
			d.HandshakeTimeout = c.HandshakeTimeout
		} else {
			d.HandshakeTimeout = 30 * time.Second
		}
	}

	conn, resp, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			// 请求 URL 带着 API key，不能进入错误信息。
			resp.Request = nil
			if serr := httpx.CheckStatus(resp); serr != nil {
				return nil, serr
			}
		}
		return nil, c.wrapIOErr(ctx, err)
	}
	return conn, nil
}

func (c Client) waitSetup(ctx context.Context, conn *websocket.Conn) error {
	for {
		msg, err := readMessage(conn)
		if err != nil {
			return c.wrapIOErr(ctx, err)
		}
		if err := msg.err(); err != nil {
			return err
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// readMessage 读取一帧 JSON（服务端可能用 text 或 binary 帧）。
func readMessage(conn *websocket.Conn) (serverMessage, error) {
	var msg serverMessage
	_, data, err := conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, domain.Transient(domain.ErrCodeNetwork, fmt.Errorf("无法解析服务端消息：%w", err))
	}
	return msg, nil
}

func (m serverMessage) err() error {
	if m.GoAway != nil {
		return domain.Transient(domain.ErrCodeNetwork, errors.New("服务端要求断开（goAway）"))
	}
	if m.Error == nil {
		return nil
	}
	e := fmt.Errorf("gemini error %d: %s", m.Error.Code, m.Error.Message)
	switch {
	case m.Error.Code == 429:
		return domain.Transient(domain.ErrCodeHTTP429, e)
	case m.Error.Code >= 400 && m.Error.Code < 500:
		return domain.Terminal(domain.ErrCodeHTTP4xx, e)
	default:
		return domain.Transient(domain.ErrCodeTransient, e)
	}
}

// wrapIOErr 把连接层错误统一标注为可重试；ctx 已结束时交还 ctx 的错误，便于上层判定超时/取消。
func (c Client) wrapIOErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ue *domain.UnitError
	if errors.As(err, &ue) {
		return err
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
		return domain.Terminal(domain.ErrCodeTerminal, err)
	}
	return domain.Transient(domain.ErrCodeNetwork, err)
}

// Worker 把 unit.Source（文本）合成为音频产物。
type Worker struct {
	Client  Client
	Prompt  string
	Encoder audiox.Encoder
}

func (Worker) Name() string { return "tts" }

func (w Worker) Do(ctx context.Context, u domain.WorkUnit, out io.Writer) error {
	text := strings.TrimSpace(u.Source)
	if text == "" {
		return domain.Terminalf("单元 %s 没有文本", u.ID)
	}
	pcm, err := w.Client.Generate(ctx, w.Prompt+text)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return domain.Transient(domain.ErrCodeEmptyOutput, domain.ErrEmptyOutput)
	}
	if err := w.Encoder.Encode(ctx, out, pcm); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return domain.Transient(domain.ErrCodeIOFailed, err)
	}
	return nil
}
