package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/John-Robertt/qbatch/internal/pool"
)

const (
	// ErrCodeNotFound 表示显式指定的 --config 文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

// FileName 是在 cwd 下自动发现的配置文件名。
const FileName = "qbatch.toml"

const maxConcurrency = 1024

const (
	DefaultDownloadBaseURL = "https://d36m9bni5rssex.cloudfront.net/ayah-by-ayah/"
	DefaultQueryEnv        = "QUERY_PARAMS"

	DefaultTTSModel    = "models/gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultTTSVoice    = "Charon"
	DefaultTTSEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultAPIKeyEnv   = "GEMINI_API_KEY"
)

// batchDefaults 是各命令的内置默认值（当 CLI 与配置文件都未指定时）。
var batchDefaults = map[string]BatchFile{
	"download": {Root: "Quran_Audio", Concurrency: 8, Strategy: pool.StrategyWorkers, Timeout: "30s"},
	"tts":      {Root: "quran_audio", Concurrency: 250, Strategy: pool.StrategySemaphore, Timeout: "5m"},
}

// FileConfig 对应 qbatch.toml 的解析结构。
type FileConfig struct {
	Lock  *bool        `toml:"lock"`
	Proxy string       `toml:"proxy"`
	Log   LogFile      `toml:"log"`
	DL    DownloadFile `toml:"download"`
	TTS   TTSFile      `toml:"tts"`
}

// BatchFile 是每个批处理命令都有的通用字段。
type BatchFile struct {
	Root        string   `toml:"root"`
	Concurrency int      `toml:"concurrency"`
	Strategy    string   `toml:"strategy"`
	Timeout     string   `toml:"timeout"`
	RateLimit   *float64 `toml:"rate_limit"`
}

type LogFile struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type DownloadFile struct {
	Root        string   `toml:"root"`
	Concurrency int      `toml:"concurrency"`
	Strategy    string   `toml:"strategy"`
	Timeout     string   `toml:"timeout"`
	RateLimit   *float64 `toml:"rate_limit"`

	BaseURL  string `toml:"base_url"`
	Query    string `toml:"query"`
	QueryEnv string `toml:"query_env"`
	Ext      string `toml:"ext"`
}

type TTSFile struct {
	Root        string   `toml:"root"`
	Concurrency int      `toml:"concurrency"`
	Strategy    string   `toml:"strategy"`
	Timeout     string   `toml:"timeout"`
	RateLimit   *float64 `toml:"rate_limit"`

	Model      string `toml:"model"`
	Voice      string `toml:"voice"`
	Endpoint   string `toml:"endpoint"`
	APIKeyEnv  string `toml:"api_key_env"`
	PromptFile string `toml:"prompt_file"`
	Format     string `toml:"format"`
	Bitrate    string `toml:"bitrate"`
	SampleRate int    `toml:"sample_rate"`
	Input      string `toml:"input"`
	LineFormat string `toml:"line_format"`
	FFmpeg     string `toml:"ffmpeg"`
}

func (d DownloadFile) batch() BatchFile {
	return BatchFile{Root: d.Root, Concurrency: d.Concurrency, Strategy: d.Strategy, Timeout: d.Timeout, RateLimit: d.RateLimit}
}

func (t TTSFile) batch() BatchFile {
	return BatchFile{Root: t.Root, Concurrency: t.Concurrency, Strategy: t.Strategy, Timeout: t.Timeout, RateLimit: t.RateLimit}
}

// Batch 是合并后的批处理参数（run 层直接消费，不再做二次默认/优先级判断）。
type Batch struct {
	Command     string
	Root        string
	Concurrency int
	Strategy    string
	Timeout     time.Duration
	RateLimit   float64
	Lock        bool
	ProxyURL    string
	Log         Log
}

type Log struct {
	Level string
	File  string // "-" 表示 stderr
}

// BatchArgs 是 CLI 暴露的通用批处理参数；指针为 nil 表示“未显式指定”。
// 这能保证覆盖优先级可实现：例如 --lock=false 必须能覆盖 lock=true。
type BatchArgs struct {
	Root        *string
	Concurrency *int
	Strategy    *string
	Timeout     *time.Duration
	RateLimit   *float64
	Lock        *bool
	LogLevel    *string
	LogFile     *string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Loaded 是读取到的配置文件（可能为空：文件不存在且未显式指定）。
type Loaded struct {
	Cwd  string
	Path string
	File FileConfig
}

// Load 按约定发现并读取配置文件。
//
// 发现规则（固定）：
// 1) 显式 --config：必须存在
// 2) 否则尝试 <cwd>/qbatch.toml（可选）
func Load(cwd, explicit string) (Loaded, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return Loaded{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	path := filepath.Join(cwdAbs, FileName)
	required := false
	if strings.TrimSpace(explicit) != "" {
		path = absCleanFrom(cwdAbs, explicit)
		required = true
	}

	fc, exists, err := readFileConfig(path)
	if err != nil {
		return Loaded{}, &Error{Code: ErrCodeInvalid, Path: path, Err: err}
	}
	if !exists && required {
		return Loaded{}, &Error{Code: ErrCodeNotFound, Path: path, Err: os.ErrNotExist}
	}
	if !exists {
		path = ""
	}
	return Loaded{Cwd: cwdAbs, Path: path, File: fc}, nil
}

// mergeBatch 合并通用字段：CLI > 命令段配置 > 命令默认值。
func (l Loaded) mergeBatch(command string, section BatchFile, cli BatchArgs) (Batch, error) {
	def, ok := batchDefaults[command]
	if !ok {
		return Batch{}, &Error{Code: ErrCodeInvalid, Path: l.Path, Err: fmt.Errorf("未知命令：%q", command)}
	}
	invalid := func(err error) (Batch, error) {
		return Batch{}, &Error{Code: ErrCodeInvalid, Path: l.Path, Err: err}
	}

	root := pickString(cli.Root, section.Root, def.Root)

	concurrency := def.Concurrency
	if section.Concurrency != 0 {
		concurrency = section.Concurrency
	}
	if cli.Concurrency != nil {
		concurrency = *cli.Concurrency
	}
	if concurrency < 1 {
		return invalid(fmt.Errorf("concurrency 必须 >= 1，实际 %d", concurrency))
	}
	if concurrency > maxConcurrency {
		concurrency = maxConcurrency
	}

	strategy := strings.ToLower(pickString(cli.Strategy, section.Strategy, def.Strategy))
	if strategy != pool.StrategyWorkers && strategy != pool.StrategySemaphore {
		return invalid(fmt.Errorf("strategy 只能是 %s 或 %s，实际是 %q", pool.StrategyWorkers, pool.StrategySemaphore, strategy))
	}

	timeout, err := time.ParseDuration(pickString(nil, section.Timeout, def.Timeout))
	if err != nil {
		return invalid(fmt.Errorf("%s.timeout 无效：%w", command, err))
	}
	if cli.Timeout != nil {
		timeout = *cli.Timeout
	}
	if timeout < 0 {
		return invalid(fmt.Errorf("timeout 不能为负数：%s", timeout))
	}

	rateLimit := 0.0
	if section.RateLimit != nil {
		rateLimit = *section.RateLimit
	}
	if cli.RateLimit != nil {
		rateLimit = *cli.RateLimit
	}
	if rateLimit < 0 {
		return invalid(fmt.Errorf("rate_limit 不能为负数：%v", rateLimit))
	}

	lock := true
	if l.File.Lock != nil {
		lock = *l.File.Lock
	}
	if cli.Lock != nil {
		lock = *cli.Lock
	}

	proxyURL := strings.TrimSpace(l.File.Proxy)
	if proxyURL != "" {
		if _, err := url.Parse(proxyURL); err != nil {
			return invalid(fmt.Errorf("proxy 无效：%w", err))
		}
	}

	level := strings.ToLower(pickString(cli.LogLevel, l.File.Log.Level, "info"))
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return invalid(fmt.Errorf("log.level 只能是 debug|info|warn|error，实际是 %q", level))
	}
	rootAbs := absCleanFrom(l.Cwd, root)
	logFile := pickString(cli.LogFile, l.File.Log.File, "")
	switch {
	case logFile == "":
		logFile = filepath.Join(rootAbs, ".qbatch", "qbatch.log")
	case logFile != "-":
		logFile = absCleanFrom(l.Cwd, logFile)
	}

	return Batch{
		Command:     command,
		Root:        rootAbs,
		Concurrency: concurrency,
		Strategy:    strategy,
		Timeout:     timeout,
		RateLimit:   rateLimit,
		Lock:        lock,
		ProxyURL:    proxyURL,
		Log:         Log{Level: level, File: logFile},
	}, nil
}

func pickString(cli *string, file, def string) string {
	if cli != nil && strings.TrimSpace(*cli) != "" {
		return strings.TrimSpace(*cli)
	}
	if strings.TrimSpace(file) != "" {
		return strings.TrimSpace(file)
	}
	return def
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 TOML 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
