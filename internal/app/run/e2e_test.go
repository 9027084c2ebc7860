package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/John-Robertt/qbatch/internal/artifact"
	"github.com/John-Robertt/qbatch/internal/config"
	"github.com/John-Robertt/qbatch/internal/domain"
	"github.com/John-Robertt/qbatch/internal/infra/logx"
	"github.com/John-Robertt/qbatch/internal/pool"
	"github.com/John-Robertt/qbatch/internal/source"
	"github.com/John-Robertt/qbatch/internal/worker"
)

var strategies = []string{pool.StrategyWorkers, pool.StrategySemaphore}

// producer 构造 n 个单元：id=uNN，key=uNN.bin。
func producer(n int) source.Producer {
	recs := make(source.Static, n)
	for i := range recs {
		recs[i] = source.Record{Index: i, Text: fmt.Sprintf("u%02d", i)}
	}
	return source.Producer{
		Source: recs,
		Map: func(r source.Record) (domain.WorkUnit, error) {
			return domain.WorkUnit{ID: r.Text, Key: r.Text + ".bin", Source: r.Text}, nil
		},
	}
}

func batch(root, strategy string, k int) config.Batch {
	return config.Batch{
		Command:     "test",
		Root:        root,
		Concurrency: k,
		Strategy:    strategy,
		Timeout:     10 * time.Second,
		Lock:        true,
	}
}

// echo 把单元 id 写入产物，并统计调用次数。
func echo(calls *atomic.Int64) worker.Worker {
	return worker.Func{ID: "echo", Fn: func(ctx context.Context, u domain.WorkUnit, w io.Writer) error {
		if calls != nil {
			calls.Add(1)
		}
		_, err := io.WriteString(w, "data-"+u.ID)
		return err
	}}
}

func requireInvariants(t *testing.T, rr domain.BatchReport) {
	t.Helper()
	s := rr.Summary
	require.Equal(t, s.Total, s.Skipped+s.Attempted+s.Pending, "skipped+attempted+pending 必须等于 total：%+v", s)
	require.Equal(t, s.Attempted, s.Succeeded+s.Failed, "attempted 必须等于 succeeded+failed：%+v", s)
	require.Len(t, rr.Failures, s.Failed)
}

func requireNoStaging(t *testing.T, root string) {
	t.Helper()
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, artifact.StagingSuffix) {
			return fmt.Errorf("残留暂存文件：%s", path)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestExecute_AllSucceed(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(strategy, func(t *testing.T) {
			root := t.TempDir()
			rr := Execute(context.Background(), batch(root, strategy, 3), producer(10), echo(nil), nil)

			requireInvariants(t, rr)
			assert.Equal(t, domain.Summary{Total: 10, Attempted: 10, Succeeded: 10}, rr.Summary)
			assert.True(t, rr.OK())
			assert.False(t, rr.Interrupted)
			assert.NotEmpty(t, rr.RunID)

			b, err := os.ReadFile(filepath.Join(root, "u07.bin"))
			require.NoError(t, err)
			assert.Equal(t, "data-u07", string(b))
			requireNoStaging(t, root)
		})
	}
}

func TestExecute_SkipsExistingArtifacts(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"u01", "u03", "u05", "u07"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, id+".bin"), []byte("old"), 0o644))
	}
	// 空文件不算完整产物：会被重新生成。
	require.NoError(t, os.WriteFile(filepath.Join(root, "u09.bin"), nil, 0o644))

	var calls atomic.Int64
	rr := Execute(context.Background(), batch(root, pool.StrategyWorkers, 3), producer(10), echo(&calls), nil)

	requireInvariants(t, rr)
	assert.Equal(t, 10, rr.Summary.Total)
	assert.Equal(t, 4, rr.Summary.Skipped)
	assert.Equal(t, 6, rr.Summary.Attempted)
	assert.Equal(t, 6, rr.Summary.Succeeded)
	assert.EqualValues(t, 6, calls.Load())

	b, err := os.ReadFile(filepath.Join(root, "u03.bin"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(b), "已存在的产物不应被改写")
	b, err = os.ReadFile(filepath.Join(root, "u09.bin"))
	require.NoError(t, err)
	assert.Equal(t, "data-u09", string(b))
}

func TestExecute_FailureIsIsolated(t *testing.T) {
	root := t.TempDir()
	wk := worker.Func{ID: "flaky", Fn: func(ctx context.Context, u domain.WorkUnit, w io.Writer) error {
		_, _ = io.WriteString(w, "partial-"+u.ID)
		if u.ID == "u05" {
			return domain.Transient(domain.ErrCodeHTTP5xx, errors.New("remote 503"))
		}
		return nil
	}}

	rr := Execute(context.Background(), batch(root, pool.StrategySemaphore, 4), producer(10), wk, nil)

	requireInvariants(t, rr)
	assert.Equal(t, 9, rr.Summary.Succeeded)
	assert.Equal(t, 1, rr.Summary.Failed)
	assert.False(t, rr.OK())
	require.Len(t, rr.Failures, 1)
	f := rr.Failures[0]
	assert.Equal(t, 5, f.Index)
	assert.Equal(t, "u05", f.ID)
	assert.Equal(t, domain.ErrCodeHTTP5xx, f.Code)
	assert.True(t, f.Retryable)
	assert.Equal(t, 0, rr.Summary.Terminal)

	_, err := os.Stat(filepath.Join(root, "u05.bin"))
	assert.True(t, os.IsNotExist(err), "失败单元不应留下产物")
	requireNoStaging(t, root)
}

func TestExecute_InterruptThenResume(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(strategy, func(t *testing.T) {
			root := t.TempDir()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var started atomic.Int64
			wk := worker.Func{ID: "interrupt", Fn: func(ctx context.Context, u domain.WorkUnit, w io.Writer) error {
				if started.Add(1) == 4 {
					_, _ = io.WriteString(w, "half")
					cancel()
					<-ctx.Done()
					return ctx.Err()
				}
				_, err := io.WriteString(w, "data-"+u.ID)
				return err
			}}

			rr := Execute(ctx, batch(root, strategy, 1), producer(10), wk, nil)
			requireInvariants(t, rr)
			assert.True(t, rr.Interrupted)
			assert.Equal(t, 3, rr.Summary.Succeeded)
			assert.Equal(t, 1, rr.Summary.Failed)
			assert.Equal(t, 6, rr.Summary.Pending)
			require.Len(t, rr.Failures, 1)
			assert.Equal(t, domain.ErrCodeCanceled, rr.Failures[0].Code)
			assert.True(t, rr.Failures[0].Retryable)
			_, err := os.Stat(filepath.Join(root, "u03.bin"))
			assert.True(t, os.IsNotExist(err), "被中断的单元不应留下产物")
			requireNoStaging(t, root)

			var calls atomic.Int64
			again := Execute(context.Background(), batch(root, strategy, 1), producer(10), echo(&calls), nil)
			requireInvariants(t, again)
			assert.Equal(t, 3, again.Summary.Skipped)
			assert.Equal(t, 7, again.Summary.Attempted)
			assert.Equal(t, 7, again.Summary.Succeeded)
			assert.EqualValues(t, 7, calls.Load())
			assert.True(t, again.OK())
		})
	}
}

func TestExecute_Idempotent(t *testing.T) {
	root := t.TempDir()
	first := Execute(context.Background(), batch(root, pool.StrategyWorkers, 4), producer(10), echo(nil), nil)
	require.True(t, first.OK())

	before, err := os.Stat(filepath.Join(root, "u00.bin"))
	require.NoError(t, err)

	var calls atomic.Int64
	second := Execute(context.Background(), batch(root, pool.StrategyWorkers, 4), producer(10), echo(&calls), nil)
	requireInvariants(t, second)
	assert.Equal(t, domain.Summary{Total: 10, Skipped: 10}, second.Summary)
	assert.EqualValues(t, 0, calls.Load())

	after, err := os.Stat(filepath.Join(root, "u00.bin"))
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestExecute_ConcurrencyCap(t *testing.T) {
	for _, strategy := range strategies {
		for _, k := range []int{1, 3, 12} {
			t.Run(fmt.Sprintf("%s/k=%d", strategy, k), func(t *testing.T) {
				var cur, peak atomic.Int64
				wk := worker.Func{ID: "slow", Fn: func(ctx context.Context, u domain.WorkUnit, w io.Writer) error {
					n := cur.Add(1)
					defer cur.Add(-1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(15 * time.Millisecond)
					_, err := io.WriteString(w, u.ID)
					return err
				}}

				rr := Execute(context.Background(), batch(t.TempDir(), strategy, k), producer(12), wk, nil)
				requireInvariants(t, rr)
				assert.Equal(t, 12, rr.Summary.Succeeded)
				assert.LessOrEqual(t, peak.Load(), int64(k))
			})
		}
	}
}

func TestExecute_TimeoutIsRetryableFailure(t *testing.T) {
	root := t.TempDir()
	wk := worker.Func{ID: "hang", Fn: func(ctx context.Context, u domain.WorkUnit, w io.Writer) error {
		if u.ID == "u01" {
			_, _ = io.WriteString(w, "partial")
			<-ctx.Done()
			return ctx.Err()
		}
		_, err := io.WriteString(w, u.ID)
		return err
	}}
	eff := batch(root, pool.StrategyWorkers, 2)
	eff.Timeout = 50 * time.Millisecond

	rr := Execute(context.Background(), eff, producer(3), wk, nil)
	requireInvariants(t, rr)
	assert.Equal(t, 2, rr.Summary.Succeeded)
	require.Len(t, rr.Failures, 1)
	assert.Equal(t, domain.ErrCodeTimeout, rr.Failures[0].Code)
	assert.True(t, rr.Failures[0].Retryable)
	assert.False(t, rr.Interrupted)
	requireNoStaging(t, root)
}

func TestExecute_EmptyOutputAndPanic(t *testing.T) {
	root := t.TempDir()
	wk := worker.Func{ID: "odd", Fn: func(ctx context.Context, u domain.WorkUnit, w io.Writer) error {
		switch u.ID {
		case "u00":
			return nil
		case "u01":
			panic("boom")
		case "u02":
			return domain.Terminalf("bad input %s", u.ID)
		}
		_, err := io.WriteString(w, u.ID)
		return err
	}}

	rr := Execute(context.Background(), batch(root, pool.StrategySemaphore, 3), producer(5), wk, nil)
	requireInvariants(t, rr)
	assert.Equal(t, 2, rr.Summary.Succeeded)
	assert.Equal(t, 3, rr.Summary.Failed)
	assert.Equal(t, 2, rr.Summary.Terminal)

	require.Len(t, rr.Failures, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{rr.Failures[0].Index, rr.Failures[1].Index, rr.Failures[2].Index}, "failures 应按枚举顺序排列")
	assert.Equal(t, domain.ErrCodeEmptyOutput, rr.Failures[0].Code)
	assert.True(t, rr.Failures[0].Retryable)
	assert.Contains(t, rr.Failures[1].Msg, "boom")
	assert.Equal(t, domain.ErrCodeInvalidInput, rr.Failures[2].Code)

	for _, id := range []string{"u00", "u01", "u02"} {
		_, err := os.Stat(filepath.Join(root, id+".bin"))
		assert.True(t, os.IsNotExist(err), id)
	}
	requireNoStaging(t, root)
}

func TestExecute_WarningsDoNotAbort(t *testing.T) {
	root := t.TempDir()
	prod := producer(4)
	inner := prod.Map
	prod.Map = func(r source.Record) (domain.WorkUnit, error) {
		if r.Index == 2 {
			return domain.WorkUnit{}, errors.New("malformed")
		}
		return inner(r)
	}

	rr := Execute(context.Background(), batch(root, pool.StrategyWorkers, 2), prod, echo(nil), nil)
	requireInvariants(t, rr)
	assert.Equal(t, 3, rr.Summary.Total)
	assert.Equal(t, 3, rr.Summary.Succeeded)
	require.Len(t, rr.Warnings, 1)
	assert.Equal(t, 2, rr.Warnings[0].Record)
	assert.Equal(t, 1, rr.Summary.Warnings)
	assert.True(t, rr.OK())
}

func TestExecute_CatastrophicAborts(t *testing.T) {
	t.Run("root_unwritable", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(root, []byte("x"), 0o644))

		rr := Execute(context.Background(), batch(root, pool.StrategyWorkers, 2), producer(3), echo(nil), nil)
		assert.Equal(t, domain.ErrCodeRootUnwritable, rr.ErrorCode)
		assert.False(t, rr.OK())
		assert.Equal(t, 0, rr.Summary.Total)
	})

	t.Run("lock_held", func(t *testing.T) {
		root := t.TempDir()
		store := artifact.New(root, nil)
		require.NoError(t, store.EnsureRoot())
		lk, err := store.Acquire()
		require.NoError(t, err)
		defer lk.Release()

		var calls atomic.Int64
		rr := Execute(context.Background(), batch(root, pool.StrategyWorkers, 2), producer(3), echo(&calls), nil)
		assert.Equal(t, domain.ErrCodeLockHeld, rr.ErrorCode)
		assert.EqualValues(t, 0, calls.Load())

		// 关闭锁之后可以并行运行（由调用方自行负责）。
		eff := batch(root, pool.StrategyWorkers, 2)
		eff.Lock = false
		rr = Execute(context.Background(), eff, producer(3), echo(&calls), nil)
		assert.True(t, rr.OK())
	})

	t.Run("source_failed", func(t *testing.T) {
		root := t.TempDir()
		prod := source.Producer{
			Source: source.Lines{Path: filepath.Join(root, "missing.txt")},
			Map:    source.SimpleLineMapper(".mp3"),
		}
		rr := Execute(context.Background(), batch(root, pool.StrategyWorkers, 2), prod, echo(nil), nil)
		assert.Equal(t, domain.ErrCodeSourceFailed, rr.ErrorCode)
		assert.False(t, rr.OK())
	})

	t.Run("bad_concurrency", func(t *testing.T) {
		rr := Execute(context.Background(), batch(t.TempDir(), pool.StrategyWorkers, 0), producer(3), echo(nil), nil)
		assert.Equal(t, domain.ErrCodeConfigInvalid, rr.ErrorCode)
	})
}

func TestExecute_RateLimit(t *testing.T) {
	eff := batch(t.TempDir(), pool.StrategySemaphore, 8)
	eff.RateLimit = 50 // 每秒 50 个，4 个单元至少需要约 60ms

	started := time.Now()
	rr := Execute(context.Background(), eff, producer(4), echo(nil), nil)
	require.True(t, rr.OK())
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
}

func TestSaveReport(t *testing.T) {
	root := t.TempDir()
	rr := Execute(context.Background(), batch(root, pool.StrategyWorkers, 2), producer(2), echo(nil), nil)

	path, err := SaveReport(rr)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, artifact.StateDir, ReportName), path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, rr.RunID, got["run_id"])
	assert.Equal(t, []any{}, got["failures"])
}

func TestState_ConcurrentUpdates(t *testing.T) {
	st := NewState(100, 0, 100)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st.Dispatched()
			_ = st.Snapshot()
			status := domain.StatusSucceeded
			if i%10 == 0 {
				status = domain.StatusFailed
			}
			res := domain.UnitResult{Index: i, Status: status}
			st.Resolved(res)
			if status == domain.StatusFailed {
				st.RecordFailure(FailureOf(res))
			}
		}(i)
	}
	wg.Wait()

	p := st.Snapshot()
	assert.Equal(t, Progress{Total: 100, Planned: 100, Completed: 100, Succeeded: 90, Failed: 10}, p)
	fs := st.Failures()
	require.Len(t, fs, 10)
	assert.Equal(t, domain.ErrCodeUnknown, fs[0].Code, "缺省 error_code 应补为 unknown")

	st.RecordFailure(domain.Failure{Index: 1000, Code: domain.ErrCodeIOFailed})
	assert.Len(t, st.Failures(), 11)
	assert.Equal(t, 10, st.Snapshot().Failed, "RecordFailure 不改计数")
}

func TestState_RecordFailureNeverPanics(t *testing.T) {
	var st *State
	assert.NotPanics(t, func() { st.RecordFailure(domain.Failure{ID: "x"}) })
	assert.Nil(t, st.Failures(), "nil State 没有失败记录")
}

func TestExecute_KeyAliasesNeverShareStaging(t *testing.T) {
	root := t.TempDir()
	src := source.Static{
		{Index: 0, Text: "A"},
		{Index: 1, Text: "B"},
	}
	keys := map[string]string{"A": "x/y.bin", "B": "x/./y.bin"}
	prod := source.Producer{
		Source: src,
		Map: func(r source.Record) (domain.WorkUnit, error) {
			return domain.WorkUnit{ID: r.Text, Key: keys[r.Text], Source: r.Text}, nil
		},
	}
	wk := worker.Func{ID: "letters", Fn: func(ctx context.Context, u domain.WorkUnit, w io.Writer) error {
		chunk := strings.Repeat(u.Source, 10)
		for i := 0; i < 20; i++ {
			if _, err := io.WriteString(w, chunk); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	}}

	rr := Execute(context.Background(), batch(root, pool.StrategyWorkers, 2), prod, wk, nil)
	requireInvariants(t, rr)
	assert.Equal(t, domain.Summary{Total: 1, Attempted: 1, Succeeded: 1, Warnings: 1}, rr.Summary)
	require.Len(t, rr.Warnings, 1)
	assert.Equal(t, 1, rr.Warnings[0].Record)

	b, err := os.ReadFile(filepath.Join(root, "x", "y.bin"))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("A", 200), string(b), "产物只能来自一个单元的暂存内容")
	requireNoStaging(t, root)
}

func TestExecute_LogsWorkerName(t *testing.T) {
	root := t.TempDir()
	var buf syncBuffer
	log := logx.NewWriter(&buf, zap.DebugLevel)

	rr := Execute(context.Background(), batch(root, pool.StrategyWorkers, 2), producer(2), echo(nil), log)
	require.True(t, rr.OK())
	assert.Contains(t, buf.String(), `"worker":"echo"`)
}

// syncBuffer 供 logger 在事件 goroutine 中并发写入。
type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
