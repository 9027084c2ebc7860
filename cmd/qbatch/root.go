package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/qbatch/internal/config"
)

// globalOptions 是所有子命令共享的持久参数。
type globalOptions struct {
	configPath string
	logLevel   string
	logFile    string
	progress   string
}

func (g *globalOptions) load() (config.Loaded, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return config.Loaded{}, fmt.Errorf("读取当前目录失败：%w", err)
	}
	return config.Load(cwd, g.configPath)
}

func newRootCommand() *cobra.Command {
	g := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "qbatch",
		Short:         "可续跑的并发批处理工具（音频下载 / 语音合成）",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "配置文件路径（默认读取当前目录下的 "+config.FileName+"）")
	pf.StringVar(&g.logLevel, "log-level", "", "日志级别：debug|info|warn|error")
	pf.StringVar(&g.logFile, "log-file", "", "日志文件（- 表示 stderr；默认 <root>/.qbatch/qbatch.log）")
	pf.StringVar(&g.progress, "progress", progressAuto, "进度输出：auto|bar|lines|off")

	rootCmd.AddCommand(newDownloadCommand(g))
	rootCmd.AddCommand(newTTSCommand(g))
	rootCmd.AddCommand(newConcatCommand())
	rootCmd.AddCommand(newConvertCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// batchFlags 是每个批处理命令都有的参数。
type batchFlags struct {
	root        string
	concurrency int
	strategy    string
	timeout     time.Duration
	rateLimit   float64
	lock        bool
}

func (f *batchFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.root, "root", "", "产物目录")
	fs.IntVarP(&f.concurrency, "concurrency", "j", 0, "最大并发数")
	fs.StringVar(&f.strategy, "strategy", "", "并发策略：workers|semaphore")
	fs.DurationVar(&f.timeout, "timeout", 0, "单个单元的超时（0 表示不限制）")
	fs.Float64Var(&f.rateLimit, "rate-limit", 0, "每秒最多启动的单元数（0 表示不限速）")
	fs.BoolVar(&f.lock, "lock", true, "持有 <root>/.qbatch/lock，防止同一目录并发运行")
}

// args 只把显式给出的参数交给配置合并（未给出的保持 nil，交由配置文件/默认值决定）。
func (f *batchFlags) args(cmd *cobra.Command, g *globalOptions) config.BatchArgs {
	fs := cmd.Flags()
	var a config.BatchArgs
	if fs.Changed("root") {
		a.Root = &f.root
	}
	if fs.Changed("concurrency") {
		a.Concurrency = &f.concurrency
	}
	if fs.Changed("strategy") {
		a.Strategy = &f.strategy
	}
	if fs.Changed("timeout") {
		a.Timeout = &f.timeout
	}
	if fs.Changed("rate-limit") {
		a.RateLimit = &f.rateLimit
	}
	if fs.Changed("lock") {
		a.Lock = &f.lock
	}
	if fs.Changed("log-level") {
		a.LogLevel = &g.logLevel
	}
	if fs.Changed("log-file") {
		a.LogFile = &g.logFile
	}
	return a
}

// changedString 返回显式给出的字符串参数，未给出时为 nil。
func changedString(cmd *cobra.Command, name string, v *string) *string {
	if cmd.Flags().Changed(name) {
		return v
	}
	return nil
}
