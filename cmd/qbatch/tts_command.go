package main

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/John-Robertt/qbatch/internal/config"
	"github.com/John-Robertt/qbatch/internal/infra/audiox"
	"github.com/John-Robertt/qbatch/internal/source"
	"github.com/John-Robertt/qbatch/internal/worker/gemini"
)

type ttsOptions struct {
	batch batchFlags

	input       string
	lineFormat  string
	audioFormat string
	model       string
	voice       string
	promptFile  string
	manifest    string
}

func newTTSCommand(g *globalOptions) *cobra.Command {
	o := &ttsOptions{}

	cmd := &cobra.Command{
		Use:   "tts",
		Short: "逐行合成语音（Gemini Live），已生成的音频自动跳过",
		Long: `输入文件每行一个单元：
  --format quran   "sura|ayah|text"，产物 <root>/<sura>/<ayah>.<ext>
  --format simple  每个非空行一个单元，产物 <root>/NNN.<ext>（NNN 为行号）

API key 从环境变量 GEMINI_API_KEY 读取（可在配置文件中改名）。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := g.load()
			if err != nil {
				return configError(err)
			}
			eff, err := l.TTS(o.batch.args(cmd, g), config.TTSArgs{
				Model:      changedString(cmd, "model", &o.model),
				Voice:      changedString(cmd, "voice", &o.voice),
				PromptFile: changedString(cmd, "prompt-file", &o.promptFile),
				Format:     changedString(cmd, "audio-format", &o.audioFormat),
				Input:      changedString(cmd, "input", &o.input),
				LineFormat: changedString(cmd, "format", &o.lineFormat),
			})
			if err != nil {
				return configError(err)
			}

			prompt, err := gemini.LoadPrompt(eff.PromptFile)
			if err != nil {
				return configError(err)
			}
			enc := audiox.Encoder{FFmpeg: eff.FFmpeg, Format: eff.Format, Bitrate: eff.Bitrate, SampleRate: eff.SampleRate}
			if eff.Format == "mp3" {
				bin, err := audiox.LookupFFmpeg(eff.FFmpeg)
				if err != nil {
					return configError(err)
				}
				enc.FFmpeg = bin
			}
			dialer, err := newDialer(eff.ProxyURL)
			if err != nil {
				return configError(err)
			}

			wk := gemini.Worker{
				Client: gemini.Client{
					Endpoint: eff.Endpoint,
					APIKey:   eff.APIKey,
					Model:    eff.Model,
					Voice:    eff.Voice,
					Dialer:   dialer,
				},
				Prompt:  prompt,
				Encoder: enc,
			}
			return runBatch(cmd, g, eff.Batch, o.producer(cmd, eff, enc.Ext()), wk)
		},
	}

	o.batch.register(cmd)
	fs := cmd.Flags()
	fs.StringVar(&o.input, "input", "", "输入文本文件（默认 amanithafseer.txt）")
	fs.StringVar(&o.lineFormat, "format", "", "输入行格式：quran|simple")
	fs.StringVar(&o.audioFormat, "audio-format", "", "输出音频格式：mp3|wav|pcm")
	fs.StringVar(&o.model, "model", "", "Gemini 模型")
	fs.StringVar(&o.voice, "voice", "", "预置音色")
	fs.StringVar(&o.promptFile, "prompt-file", "", "系统提示词文件（默认使用内置提示词）")
	fs.StringVar(&o.manifest, "manifest", "", "YAML 清单文件（替代 --input）")

	return cmd
}

func (o *ttsOptions) producer(cmd *cobra.Command, eff config.TTS, ext string) source.Producer {
	if cmd.Flags().Changed("manifest") {
		return source.Producer{Source: source.Manifest{Path: o.manifest}, Map: source.ManifestMapper()}
	}
	m := source.QuranLineMapper(ext)
	if eff.LineFormat == "simple" {
		m = source.SimpleLineMapper(ext)
	}
	return source.Producer{Source: source.Lines{Path: eff.Input}, Map: m}
}

// newDialer 构造 websocket 拨号器；配置了代理时所有会话都走该代理。
func newDialer(proxyURL string) (*websocket.Dialer, error) {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 30 * time.Second,
	}
	if proxyURL == "" {
		return d, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("proxy 无效：%q", proxyURL)
	}
	d.Proxy = http.ProxyURL(u)
	return d, nil
}
