package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/John-Robertt/qbatch/internal/app/run"
	"github.com/John-Robertt/qbatch/internal/config"
	"github.com/John-Robertt/qbatch/internal/domain"
	"github.com/John-Robertt/qbatch/internal/infra/logx"
	"github.com/John-Robertt/qbatch/internal/source"
	"github.com/John-Robertt/qbatch/internal/worker"
)

// maxFailureLines 是 TTY 模式下逐条打印的失败上限（完整列表在 report.json）。
const maxFailureLines = 20

// runBatch 是所有批处理命令的公共尾部：日志 → 进度 → 执行 → 落盘报告 → 输出 → 退出码。
func runBatch(cmd *cobra.Command, g *globalOptions, eff config.Batch, prod source.Producer, wk worker.Worker) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	obs, err := newObserver(g.progress, stderr)
	if err != nil {
		return usageError(err)
	}

	log, closeLog, err := logx.New(logx.Options{Level: eff.Log.Level, File: eff.Log.File})
	if err != nil {
		fmt.Fprintf(stderr, "日志文件不可用，改为输出到 stderr：%v\n", err)
		log, closeLog, err = logx.New(logx.Options{Level: eff.Log.Level, File: "-"})
		if err != nil {
			return usageError(err)
		}
	}
	defer func() { _ = closeLog() }()

	var ro run.Observer
	if obs != nil {
		ro = obs
	}
	rr := run.ExecuteWithObserver(cmd.Context(), eff, prod, wk, log, ro)
	if obs != nil {
		obs.Close()
	}

	reportPath := ""
	saveFailed := false
	if rr.ErrorCode != domain.ErrCodeRootUnwritable {
		p, err := run.SaveReport(rr)
		if err != nil {
			fmt.Fprintf(stderr, "写入 %s 失败：%v\n", run.ReportName, err)
			saveFailed = true
		} else {
			reportPath = p
		}
	}

	emitReport(stdout, stderr, rr, reportPath)

	code := exitFor(rr)
	if code == exitOK && saveFailed {
		code = exitFailed
	}
	if code != exitOK {
		return &exitError{code: code}
	}
	return nil
}

// exitFor 把报告映射为退出码：只有“无失败、无遗留、未中止”才是 0。
func exitFor(rr domain.BatchReport) int {
	switch {
	case rr.Interrupted:
		return exitInterrupted
	case rr.ErrorCode == domain.ErrCodeConfigInvalid:
		return exitUsage
	case !rr.OK():
		return exitFailed
	default:
		return exitOK
	}
}

// configError 把配置阶段的错误转成退出码 2，错误信息带上 error_code。
func configError(err error) error {
	if config.Code(err) == "" {
		return usageError(fmt.Errorf("%s：%w", domain.ErrCodeConfigInvalid, err))
	}
	return usageError(err)
}

func emitReport(stdout, stderr io.Writer, rr domain.BatchReport, reportPath string) {
	if isTerminal(stdout) {
		fmt.Fprintln(stdout, renderSummary(rr))
		if rr.Error != "" {
			fmt.Fprintf(stderr, "批次中止：%s: %s\n", rr.ErrorCode, rr.Error)
		}
		emitFailures(stderr, rr.Failures)
		if reportPath != "" {
			fmt.Fprintf(stderr, "report: %s\n", reportPath)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 BatchReport JSON（摘要走 stderr）。
	enc := json.NewEncoder(stdout)
	_ = enc.Encode(rr)
	fmt.Fprintln(stderr, summaryLine(rr))
}

func emitFailures(w io.Writer, failures []domain.Failure) {
	for i, f := range failures {
		if i == maxFailureLines {
			fmt.Fprintf(w, "... 另有 %d 条失败，见 report.json\n", len(failures)-i)
			return
		}
		retry := ""
		if f.Retryable {
			retry = " (可重跑)"
		}
		fmt.Fprintf(w, "%s %s: %s%s\n", f.ID, f.Code, truncate(f.Msg, 160), retry)
	}
}

func summaryLine(rr domain.BatchReport) string {
	s := rr.Summary
	line := fmt.Sprintf("完成：total=%d skipped=%d succeeded=%d failed=%d pending=%d warnings=%d",
		s.Total, s.Skipped, s.Succeeded, s.Failed, s.Pending, s.Warnings,
	)
	if rr.Interrupted {
		line += " (已中断)"
	}
	if rr.ErrorCode != "" {
		line += " error_code=" + rr.ErrorCode
	}
	return line
}

func renderSummary(rr domain.BatchReport) string {
	s := rr.Summary
	rows := [][]string{
		{"total", strconv.Itoa(s.Total)},
		{"skipped", strconv.Itoa(s.Skipped)},
		{"attempted", strconv.Itoa(s.Attempted)},
		{"succeeded", strconv.Itoa(s.Succeeded)},
		{"failed", strconv.Itoa(s.Failed)},
		{"  terminal", strconv.Itoa(s.Terminal)},
		{"pending", strconv.Itoa(s.Pending)},
		{"warnings", strconv.Itoa(s.Warnings)},
	}
	if rr.Interrupted {
		rows = append(rows, []string{"interrupted", "yes"})
	}
	return renderTable([]string{rr.Command, "count"}, rows, []columnAlignment{alignLeft, alignRight})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
