package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/John-Robertt/qbatch/internal/app/planner"
	"github.com/John-Robertt/qbatch/internal/artifact"
	"github.com/John-Robertt/qbatch/internal/config"
	"github.com/John-Robertt/qbatch/internal/domain"
	"github.com/John-Robertt/qbatch/internal/infra/fsx"
	"github.com/John-Robertt/qbatch/internal/pool"
	"github.com/John-Robertt/qbatch/internal/source"
	"github.com/John-Robertt/qbatch/internal/worker"
)

// ReportName 是 <root>/.qbatch/ 下的报告文件名。
const ReportName = "report.json"

// Execute 执行一次批次，并返回对外稳定的 BatchReport。
// 单元级错误一律降级为 Failure；只有 root 不可写、输入不可读、锁被占用这类问题才整体中止。
func Execute(ctx context.Context, eff config.Batch, prod source.Producer, wk worker.Worker, log *zap.Logger) domain.BatchReport {
	return ExecuteWithObserver(ctx, eff, prod, wk, log, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
func ExecuteWithObserver(ctx context.Context, eff config.Batch, prod source.Producer, wk worker.Worker, log *zap.Logger, obs Observer) domain.BatchReport {
	started := time.Now().UTC()
	runID := uuid.NewString()
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("run_id", runID), zap.String("command", eff.Command))

	if obs != nil {
		obs.OnStart(eff)
	}

	rr := domain.BatchReport{
		RunID:     runID,
		Command:   eff.Command,
		Root:      eff.Root,
		StartedAt: started,
	}
	abort := func(code string, err error) domain.BatchReport {
		log.Error("批次中止", zap.String("error_code", code), zap.Error(err))
		rr.ErrorCode = code
		rr.Error = err.Error()
		rr.Interrupted = ctx.Err() != nil
		rr.FinishedAt = time.Now().UTC()
		rr.Finalize()
		return rr
	}

	if wk == nil {
		return abort(domain.ErrCodeConfigInvalid, errors.New("worker 不能为空"))
	}
	log = log.With(zap.String("worker", wk.Name()))
	p, err := pool.New(eff.Strategy, eff.Concurrency)
	if err != nil {
		return abort(domain.ErrCodeConfigInvalid, err)
	}

	store := artifact.New(eff.Root, log)
	if err := store.EnsureRoot(); err != nil {
		return abort(domain.ErrCodeRootUnwritable, fmt.Errorf("产物目录不可写：%w", err))
	}
	if eff.Lock {
		lk, err := store.Acquire()
		if err != nil {
			code := domain.ErrCodeIOFailed
			if errors.Is(err, artifact.ErrLocked) {
				code = domain.ErrCodeLockHeld
			}
			return abort(code, err)
		}
		defer func() {
			if err := lk.Release(); err != nil {
				log.Warn("释放锁失败", zap.Error(err))
			}
		}()
	}

	enumStarted := time.Now()
	if prod.Log == nil {
		prod.Log = log
	}
	units, warnings, err := prod.Enumerate(ctx)
	if err != nil {
		code := domain.ErrCodeSourceFailed
		if ctx.Err() != nil {
			code = domain.ErrCodeCanceled
		}
		return abort(code, err)
	}
	rr.Warnings = warnings
	planner.SortUnits(units)
	if obs != nil {
		obs.OnPhaseDone("enumerate", map[string]any{
			"units":    len(units),
			"warnings": len(warnings),
		}, time.Since(enumStarted))
	}

	planStarted := time.Now()
	plan := planner.Plan(units, store)
	rr.Summary.Total = plan.Total
	rr.Summary.Skipped = len(plan.Skipped)
	log.Info("规划完成",
		zap.Int("total", plan.Total),
		zap.Int("skipped", len(plan.Skipped)),
		zap.Int("residual", len(plan.Residual)),
		zap.Int("warnings", len(warnings)),
	)
	if obs != nil {
		obs.OnPhaseDone("plan", map[string]any{
			"total":    plan.Total,
			"skipped":  len(plan.Skipped),
			"residual": len(plan.Residual),
		}, time.Since(planStarted))
	}

	var lim *rate.Limiter
	if eff.RateLimit > 0 {
		lim = rate.NewLimiter(rate.Limit(eff.RateLimit), 1)
	}

	if obs != nil {
		obs.OnPhaseDone("exec", map[string]any{
			"strategy": eff.Strategy,
			"workers":  p.Limit(),
			"residual": len(plan.Residual),
		}, 0)
	}

	st := NewState(plan.Total, len(plan.Skipped), len(plan.Residual))

	type event struct {
		start bool
		unit  domain.WorkUnit
		res   domain.UnitResult
		dur   time.Duration
	}
	// 每个单元至多两个事件：缓冲足够时发送方永不阻塞。
	events := make(chan event, 2*len(plan.Residual))
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range events {
			if ev.start {
				pr := st.Dispatched()
				if obs != nil {
					obs.OnUnitStart(ev.unit, pr)
				}
				continue
			}
			pr := st.Resolved(ev.res)
			if ev.res.Status != domain.StatusSucceeded {
				st.RecordFailure(FailureOf(ev.res))
			}
			if ev.res.Status == domain.StatusSucceeded {
				log.Debug("单元完成", zap.String("id", ev.res.ID), zap.String("key", ev.res.Key), zap.Int64("bytes", ev.res.Bytes), zap.Duration("dur", ev.dur))
			} else {
				log.Warn("单元失败",
					zap.String("id", ev.res.ID),
					zap.String("key", ev.res.Key),
					zap.String("error_code", ev.res.ErrorCode),
					zap.Bool("retryable", ev.res.Retryable),
					zap.String("error", ev.res.ErrorMsg),
				)
			}
			if obs != nil {
				obs.OnUnitDone(ev.res, pr, ev.dur)
			}
		}
	}()

	execStarted := time.Now()
	admitted := p.Run(ctx, plan.Residual, func(ctx context.Context, u domain.WorkUnit) {
		events <- event{start: true, unit: u}
		oneStarted := time.Now()
		res := execOne(ctx, eff, store, wk, lim, u)
		events <- event{res: res, dur: time.Since(oneStarted)}
	})
	close(events)
	<-drained

	snap := st.Snapshot()
	rr.Summary.Attempted = snap.Completed
	rr.Summary.Succeeded = snap.Succeeded
	rr.Summary.Failed = snap.Failed
	rr.Failures = st.Failures()
	rr.Interrupted = ctx.Err() != nil

	if obs != nil {
		obs.OnPhaseDone("drain", map[string]any{
			"admitted":  admitted,
			"succeeded": snap.Succeeded,
			"failed":    snap.Failed,
		}, time.Since(execStarted))
	}

	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	log.Info("批次结束",
		zap.Int("total", rr.Summary.Total),
		zap.Int("skipped", rr.Summary.Skipped),
		zap.Int("attempted", rr.Summary.Attempted),
		zap.Int("succeeded", rr.Summary.Succeeded),
		zap.Int("failed", rr.Summary.Failed),
		zap.Int("pending", rr.Summary.Pending),
		zap.Bool("interrupted", rr.Interrupted),
	)
	return rr
}

// execOne 执行单个单元：暂存 → do_work → 提交。
// 任何未提交的路径都会丢弃暂存文件；返回值总是 succeeded 或 failed 之一。
func execOne(ctx context.Context, eff config.Batch, store artifact.Store, wk worker.Worker, lim *rate.Limiter, u domain.WorkUnit) domain.UnitResult {
	res := domain.UnitResult{
		Index:  u.Index,
		ID:     u.ID,
		Key:    u.Key,
		Status: domain.StatusFailed, // 成功时覆盖
	}

	h, err := store.Handle(u.Key)
	if err != nil {
		fillError(ctx, ctx, &res, domain.Terminal(domain.ErrCodeInvalidInput, err))
		return res
	}

	unitCtx, cancel := ctx, context.CancelFunc(func() {})
	if eff.Timeout > 0 {
		unitCtx, cancel = context.WithTimeout(ctx, eff.Timeout)
	}
	defer cancel()

	committed := false
	defer func() {
		if !committed {
			store.Discard(h)
		}
	}()

	n, err := produce(unitCtx, store, h, wk, lim, u)
	if err == nil && n == 0 {
		err = domain.Transient(domain.ErrCodeEmptyOutput, domain.ErrEmptyOutput)
	}
	if err != nil {
		fillError(ctx, unitCtx, &res, err)
		return res
	}

	switch err := store.Commit(h); {
	case err == nil, errors.Is(err, artifact.ErrAlreadyCommitted):
		committed = true
	default:
		fillError(ctx, unitCtx, &res, domain.Transient(domain.ErrCodeCommitFailed, err))
		return res
	}

	res.Status = domain.StatusSucceeded
	res.Bytes = n
	return res
}

// produce 打开暂存文件并让 worker 写入；返回写入的字节数。
func produce(ctx context.Context, store artifact.Store, h artifact.Handle, wk worker.Worker, lim *rate.Limiter, u domain.WorkUnit) (n int64, err error) {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			// 等待时间会超过单元时限。
			return 0, domain.Transient(domain.ErrCodeTimeout, err)
		}
	}

	f, err := store.Stage(h)
	if err != nil {
		if fsx.IsPathTypeConflict(err) {
			return 0, domain.Terminal(domain.ErrCodeIOFailed, err)
		}
		return 0, domain.Transient(domain.ErrCodeIOFailed, err)
	}
	cw := &countingWriter{w: f}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = domain.Transient(domain.ErrCodeIOFailed, cerr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			n, err = cw.n, domain.Terminal(domain.ErrCodeUnknown, fmt.Errorf("worker panic: %v", r))
		}
	}()

	if err := wk.Do(ctx, u, cw); err != nil {
		return cw.n, err
	}
	if err := f.Sync(); err != nil {
		return cw.n, domain.Transient(domain.ErrCodeIOFailed, err)
	}
	return cw.n, nil
}

// fillError 归类错误。取消优先于一切：批次被中断时，进行中的单元都记为 canceled（可重试）。
func fillError(parent, unitCtx context.Context, res *domain.UnitResult, err error) {
	var code string
	var retryable bool
	switch {
	case parent.Err() != nil:
		code, retryable = domain.ErrCodeCanceled, true
	case errors.Is(unitCtx.Err(), context.DeadlineExceeded):
		code, retryable = domain.ErrCodeTimeout, true
	default:
		code, retryable = domain.Classify(err)
	}
	res.Status = domain.StatusFailed
	res.ErrorCode = code
	res.Retryable = retryable
	res.ErrorMsg = oneLine(err.Error())
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// SaveReport 把报告原子写入 <root>/.qbatch/report.json。
func SaveReport(rr domain.BatchReport) (string, error) {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return "", err
	}
	b = append(b, '\n')
	dir := filepath.Join(rr.Root, artifact.StateDir)
	if err := fsx.WriteFileAtomic(dir, ReportName, b); err != nil {
		return "", err
	}
	return filepath.Join(dir, ReportName), nil
}
