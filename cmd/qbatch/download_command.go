package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/qbatch/internal/config"
	"github.com/John-Robertt/qbatch/internal/infra/httpx"
	"github.com/John-Robertt/qbatch/internal/source"
	"github.com/John-Robertt/qbatch/internal/worker/download"
)

type downloadOptions struct {
	batch batchFlags

	from     int
	to       int
	urls     string
	manifest string
	index    string

	baseURL string
	query   string
	ext     string
}

func newDownloadCommand(g *globalOptions) *cobra.Command {
	o := &downloadOptions{}

	cmd := &cobra.Command{
		Use:   "download",
		Short: "批量下载音频（已完成的文件自动跳过，可中断续跑）",
		Long: `默认按 114 章的节数表逐节下载：<root>/Surah_SSS/SSS_AAA.mp3。

也可以改用其它输入（互斥）：
  --urls FILE       每行 "URL [目标相对路径]"
  --manifest FILE   YAML 清单（id/key/source）
  --index URL       目录索引页中扩展名匹配 --ext 的全部链接

远端地址的 query 串默认来自环境变量 QUERY_PARAMS。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := g.load()
			if err != nil {
				return configError(err)
			}
			eff, err := l.Download(o.batch.args(cmd, g), config.DownloadArgs{
				BaseURL: changedString(cmd, "base-url", &o.baseURL),
				Query:   changedString(cmd, "query", &o.query),
				Ext:     changedString(cmd, "ext", &o.ext),
			})
			if err != nil {
				return configError(err)
			}

			prod, err := o.producer(cmd, eff)
			if err != nil {
				return configError(err)
			}
			client, err := httpx.NewDownloadClient(eff.ProxyURL, eff.Concurrency)
			if err != nil {
				return configError(err)
			}
			return runBatch(cmd, g, eff.Batch, prod, download.Worker{Client: client})
		},
	}

	o.batch.register(cmd)
	fs := cmd.Flags()
	fs.IntVar(&o.from, "from", 1, "起始章（含）")
	fs.IntVar(&o.to, "to", source.SurahCount, "结束章（含）")
	fs.StringVar(&o.urls, "urls", "", "URL 列表文件")
	fs.StringVar(&o.manifest, "manifest", "", "YAML 清单文件")
	fs.StringVar(&o.index, "index", "", "目录索引页 URL")
	fs.StringVar(&o.baseURL, "base-url", "", "逐节下载的远端前缀")
	fs.StringVar(&o.query, "query", "", "附加到每个 URL 的 query 串（覆盖环境变量）")
	fs.StringVar(&o.ext, "ext", "", "产物扩展名（默认 .mp3）")

	return cmd
}

// producer 按参数选择输入源；--urls/--manifest/--index 互斥，且都不能与章范围同时使用。
func (o *downloadOptions) producer(cmd *cobra.Command, eff config.Download) (source.Producer, error) {
	fs := cmd.Flags()
	picked := 0
	for _, name := range []string{"urls", "manifest", "index"} {
		if fs.Changed(name) {
			picked++
		}
	}
	if picked > 1 {
		return source.Producer{}, errors.New("--urls、--manifest、--index 只能选一个")
	}
	if picked == 1 && (fs.Changed("from") || fs.Changed("to")) {
		return source.Producer{}, errors.New("--from/--to 只适用于逐节下载")
	}

	switch {
	case fs.Changed("urls"):
		return source.Producer{Source: source.Lines{Path: o.urls}, Map: source.URLLineMapper()}, nil
	case fs.Changed("manifest"):
		return source.Producer{Source: source.Manifest{Path: o.manifest}, Map: source.ManifestMapper()}, nil
	case fs.Changed("index"):
		client, err := httpx.NewPageClient(eff.ProxyURL)
		if err != nil {
			return source.Producer{}, err
		}
		return source.Producer{
			Source: source.HTMLIndex{URL: o.index, Ext: eff.Ext, Client: client},
			Map:    source.URLLineMapper(),
		}, nil
	default:
		return source.Producer{
			Source: source.Ayahs{From: o.from, To: o.to},
			Map:    source.AyahMapper(eff.BaseURL, eff.Query, eff.Ext),
		}, nil
	}
}
