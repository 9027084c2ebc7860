package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/John-Robertt/qbatch/internal/app/run"
	"github.com/John-Robertt/qbatch/internal/config"
	"github.com/John-Robertt/qbatch/internal/domain"
)

const (
	progressAuto  = "auto"
	progressBar   = "bar"
	progressLines = "lines"
	progressOff   = "off"
)

// progressObserver 是 CLI 侧的 run.Observer：批次结束后必须 Close，停止后台刷新。
type progressObserver interface {
	run.Observer
	Close()
}

var (
	_ progressObserver = (*progressUI)(nil)
	_ progressObserver = (*barUI)(nil)
	_ progressObserver = (*failuresUI)(nil)
)

// newObserver 按 --progress 选择进度输出。
// auto：交互终端用进度条，否则只逐条输出失败单元。
// 返回 nil 表示不输出进度。
func newObserver(mode string, w io.Writer) (progressObserver, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", progressAuto:
		if isTerminal(w) {
			return newBarUI(w), nil
		}
		return newFailuresUI(w), nil
	case progressBar:
		return newBarUI(w), nil
	case progressLines:
		return newProgressUI(w), nil
	case progressOff:
		return nil, nil
	default:
		return nil, fmt.Errorf("--progress 只能是 auto|bar|lines|off，实际是 %q", mode)
	}
}

// failuresUI 只输出失败单元，每个一行；非终端下 auto 的默认输出。
type failuresUI struct {
	w  io.Writer
	mu sync.Mutex
}

func newFailuresUI(w io.Writer) *failuresUI { return &failuresUI{w: w} }

func (f *failuresUI) OnStart(config.Batch)                              {}
func (f *failuresUI) OnPhaseDone(string, map[string]any, time.Duration) {}
func (f *failuresUI) OnUnitStart(domain.WorkUnit, run.Progress)         {}
func (f *failuresUI) Close()                                            {}

func (f *failuresUI) OnUnitDone(res domain.UnitResult, _ run.Progress, _ time.Duration) {
	if res.Status == domain.StatusSucceeded {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintf(f.w, "FAIL %s %s: %s\n", res.ID, res.ErrorCode, truncate(res.ErrorMsg, 160))
}

// progressUI 逐行输出进度，适合日志采集或不支持回车重绘的终端。
//
// - 所有过程信息写到 stderr，不污染 stdout 的 JSON 输出
// - keepalive：长时间无单元完成时定期输出一行进度
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time
	last        run.Progress

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.Batch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = time.Now()
	}
	printStart(p.w, eff)
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	printPhase(p.w, name, fields, dur)
	if name == "exec" && intField(fields, "residual") > 0 && !p.tickerStarted {
		p.startTickerLocked()
	}
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnUnitStart(_ domain.WorkUnit, pr run.Progress) {
	p.mu.Lock()
	p.last = pr
	p.mu.Unlock()
}

func (p *progressUI) OnUnitDone(res domain.UnitResult, pr run.Progress, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = pr

	if res.Status == domain.StatusSucceeded {
		fmt.Fprintf(p.w, "[%d/%d] %s OK %s %s (%s)\n",
			pr.Completed, pr.Planned, res.ID, res.Key, formatBytes(res.Bytes), formatShortDuration(dur),
		)
	} else {
		fmt.Fprintf(p.w, "[%d/%d] %s FAIL %s: %s (%s)\n",
			pr.Completed, pr.Planned, res.ID, res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
		)
	}
	p.lastPrinted = time.Now()

	// 最后一个单元完成：停止 ticker，避免结束后又冒出 keepalive。
	if pr.Completed >= pr.Planned {
		p.stopTickerLocked()
	}
}

func (p *progressUI) Close() {
	p.mu.Lock()
	p.stopTickerLocked()
	p.mu.Unlock()
}

func (p *progressUI) stopTickerLocked() {
	if p.tickerStarted {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true
	stop := p.stopCh

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if time.Since(p.lastPrinted) > threshold {
					fmt.Fprintln(p.w, progressLine(p.last, time.Since(p.startedAt)))
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

// barUI 在交互终端里用进度条展示执行阶段；阶段信息与失败仍逐行输出。
type barUI struct {
	w io.Writer

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newBarUI(w io.Writer) *barUI {
	return &barUI{w: w}
}

func (b *barUI) OnStart(eff config.Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	printStart(b.w, eff)
}

func (b *barUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "exec":
		printPhase(b.w, name, fields, dur)
		if n := intField(fields, "residual"); n > 0 {
			b.bar = progressbar.NewOptions(n,
				progressbar.OptionSetWriter(b.w),
				progressbar.OptionSetDescription("执行"),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetWidth(30),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionSetElapsedTime(true),
				progressbar.OptionOnCompletion(func() { fmt.Fprintln(b.w) }),
			)
		}
	case "drain":
		b.closeBarLocked()
		printPhase(b.w, name, fields, dur)
	default:
		printPhase(b.w, name, fields, dur)
	}
}

func (b *barUI) OnUnitStart(domain.WorkUnit, run.Progress) {}

func (b *barUI) OnUnitDone(res domain.UnitResult, pr run.Progress, _ time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar == nil {
		return
	}
	if res.Status != domain.StatusSucceeded {
		// 先清掉进度条再打印失败行，下一次 Add 会重绘。
		_ = b.bar.Clear()
		fmt.Fprintf(b.w, "FAIL %s %s: %s\n", res.ID, res.ErrorCode, truncate(res.ErrorMsg, 160))
		b.bar.Describe(fmt.Sprintf("执行 fail=%d", pr.Failed))
	}
	_ = b.bar.Add(1)
}

func (b *barUI) Close() {
	b.mu.Lock()
	b.closeBarLocked()
	b.mu.Unlock()
}

func (b *barUI) closeBarLocked() {
	if b.bar == nil {
		return
	}
	if b.bar.IsFinished() {
		b.bar = nil
		return
	}
	// 被中断：保留已完成的计数，不把进度条拉满。
	_ = b.bar.Clear()
	fmt.Fprintln(b.w, b.bar.String())
	b.bar = nil
}

func printStart(w io.Writer, eff config.Batch) {
	fmt.Fprintf(w, "[%s] qbatch %s\n", time.Now().Format("15:04:05"), eff.Command)
	fmt.Fprintln(w, "配置（生效）:")
	fmt.Fprintf(w, "  root: %s\n", eff.Root)
	fmt.Fprintf(w, "  strategy: %s\n", eff.Strategy)
	fmt.Fprintf(w, "  concurrency: %d\n", eff.Concurrency)
	fmt.Fprintf(w, "  timeout: %s\n", formatTimeout(eff.Timeout))
	if eff.RateLimit > 0 {
		fmt.Fprintf(w, "  rate_limit: %g/s\n", eff.RateLimit)
	}
	fmt.Fprintf(w, "  lock: %s\n", onOff(eff.Lock))
	fmt.Fprintf(w, "  proxy: %s\n", formatProxy(eff.ProxyURL))
	fmt.Fprintf(w, "  log: %s (%s)\n", formatLogFile(eff.Log.File), eff.Log.Level)
	fmt.Fprintln(w)
}

func printPhase(w io.Writer, name string, fields map[string]any, dur time.Duration) {
	switch name {
	case "enumerate":
		fmt.Fprintf(w, "枚举: units=%d warnings=%d (%s)\n",
			intField(fields, "units"), intField(fields, "warnings"), formatShortDuration(dur),
		)
	case "plan":
		fmt.Fprintf(w, "规划: total=%d skipped=%d residual=%d (%s)\n",
			intField(fields, "total"), intField(fields, "skipped"), intField(fields, "residual"), formatShortDuration(dur),
		)
	case "exec":
		fmt.Fprintf(w, "执行: strategy=%v workers=%d residual=%d\n\n",
			fields["strategy"], intField(fields, "workers"), intField(fields, "residual"),
		)
	case "drain":
		fmt.Fprintf(w, "\n收尾: admitted=%d succeeded=%d failed=%d (%s)\n",
			intField(fields, "admitted"), intField(fields, "succeeded"), intField(fields, "failed"), formatShortDuration(dur),
		)
	default:
		fmt.Fprintf(w, "%s (%s)\n", name, formatShortDuration(dur))
	}
}

func progressLine(pr run.Progress, elapsed time.Duration) string {
	return fmt.Sprintf("进度: done=%d/%d ok=%d fail=%d active=%d elapsed=%s",
		pr.Completed, pr.Planned, pr.Succeeded, pr.Failed, pr.InFlight, formatElapsed(elapsed),
	)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func formatTimeout(d time.Duration) string {
	if d <= 0 {
		return "off"
	}
	return d.String()
}

func formatLogFile(p string) string {
	if p == "-" {
		return "stderr"
	}
	return p
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// truncate 按字符（rune）截断，避免把多字节字符切成半个。
func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch x := fields[key].(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint:
		return int(x)
	case uint32:
		return int(x)
	case uint64:
		return int(x)
	default:
		return 0
	}
}
