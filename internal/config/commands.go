package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Download 是 `qbatch download` 的最终配置。
type Download struct {
	Batch

	BaseURL string
	Query   string
	Ext     string
}

// DownloadArgs 是 download 命令专有的 CLI 参数。
type DownloadArgs struct {
	BaseURL *string
	Query   *string
	Ext     *string
}

// Download 合并 download 配置：CLI > [download] > 默认。
// query 的来源：CLI > download.query > 环境变量（download.query_env，默认 QUERY_PARAMS）。
func (l Loaded) Download(cli BatchArgs, args DownloadArgs) (Download, error) {
	sec := l.File.DL
	b, err := l.mergeBatch("download", sec.batch(), cli)
	if err != nil {
		return Download{}, err
	}

	baseURL := pickString(args.BaseURL, sec.BaseURL, DefaultDownloadBaseURL)
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Download{}, &Error{Code: ErrCodeInvalid, Path: l.Path, Err: fmt.Errorf("download.base_url 无效：%q", baseURL)}
	}

	query := ""
	switch {
	case args.Query != nil:
		query = *args.Query
	case sec.Query != "":
		query = sec.Query
	default:
		query = os.Getenv(pickString(nil, sec.QueryEnv, DefaultQueryEnv))
	}
	query = strings.TrimSpace(query)
	if query != "" && !strings.HasPrefix(query, "?") && !strings.HasPrefix(query, "&") {
		query = "?" + query
	}

	return Download{
		Batch:   b,
		BaseURL: baseURL,
		Query:   query,
		Ext:     pickString(args.Ext, sec.Ext, ".mp3"),
	}, nil
}

// TTS 是 `qbatch tts` 的最终配置。
type TTS struct {
	Batch

	Model      string
	Voice      string
	Endpoint   string
	APIKey     string
	PromptFile string
	Format     string // mp3 | wav | pcm
	Bitrate    string
	SampleRate int
	Input      string
	LineFormat string // quran | simple
	FFmpeg     string
}

// TTSArgs 是 tts 命令专有的 CLI 参数。
type TTSArgs struct {
	Model      *string
	Voice      *string
	PromptFile *string
	Format     *string
	Input      *string
	LineFormat *string
}

// TTS 合并 tts 配置：CLI > [tts] > 默认。API key 只从环境变量读取。
func (l Loaded) TTS(cli BatchArgs, args TTSArgs) (TTS, error) {
	sec := l.File.TTS
	b, err := l.mergeBatch("tts", sec.batch(), cli)
	if err != nil {
		return TTS{}, err
	}
	invalid := func(err error) (TTS, error) {
		return TTS{}, &Error{Code: ErrCodeInvalid, Path: l.Path, Err: err}
	}

	format := strings.ToLower(pickString(args.Format, sec.Format, "mp3"))
	switch format {
	case "mp3", "wav", "pcm":
	default:
		return invalid(fmt.Errorf("tts.format 只能是 mp3|wav|pcm，实际是 %q", format))
	}

	lineFormat := strings.ToLower(pickString(args.LineFormat, sec.LineFormat, "quran"))
	switch lineFormat {
	case "quran", "simple":
	default:
		return invalid(fmt.Errorf("tts.line_format 只能是 quran|simple，实际是 %q", lineFormat))
	}

	sampleRate := sec.SampleRate
	if sampleRate == 0 {
		sampleRate = 24000
	}
	if sampleRate < 8000 {
		return invalid(fmt.Errorf("tts.sample_rate 过小：%d", sampleRate))
	}

	endpoint := pickString(nil, sec.Endpoint, DefaultTTSEndpoint)
	if u, err := url.Parse(endpoint); err != nil || (u.Scheme != "wss" && u.Scheme != "ws") {
		return invalid(fmt.Errorf("tts.endpoint 必须是 ws/wss 地址：%q", endpoint))
	}

	keyEnv := pickString(nil, sec.APIKeyEnv, DefaultAPIKeyEnv)
	apiKey := strings.TrimSpace(os.Getenv(keyEnv))
	if apiKey == "" {
		return invalid(fmt.Errorf("环境变量 %s 未设置", keyEnv))
	}

	promptFile := pickString(args.PromptFile, sec.PromptFile, "")
	if promptFile != "" {
		promptFile = absCleanFrom(l.Cwd, promptFile)
	}

	return TTS{
		Batch:      b,
		Model:      pickString(args.Model, sec.Model, DefaultTTSModel),
		Voice:      pickString(args.Voice, sec.Voice, DefaultTTSVoice),
		Endpoint:   endpoint,
		APIKey:     apiKey,
		PromptFile: promptFile,
		Format:     format,
		Bitrate:    pickString(nil, sec.Bitrate, "64k"),
		SampleRate: sampleRate,
		Input:      absCleanFrom(l.Cwd, pickString(args.Input, sec.Input, "amanithafseer.txt")),
		LineFormat: lineFormat,
		FFmpeg:     pickString(nil, sec.FFmpeg, "ffmpeg"),
	}, nil
}
