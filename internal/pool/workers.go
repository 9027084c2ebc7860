package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/John-Robertt/qbatch/internal/domain"
)

type workerPool struct {
	k int
}

func (p workerPool) Limit() int { return p.k }

func (p workerPool) Run(ctx context.Context, units []domain.WorkUnit, fn Func) int {
	workers := p.k
	if workers > len(units) {
		workers = len(units)
	}
	if workers == 0 {
		return 0
	}

	jobs := make(chan domain.WorkUnit)
	var admitted atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range jobs {
				// select 在“可发送”与“已取消”同时就绪时随机选择：这里再确认一次，
				// 保证取消之后不会有新单元开始执行。
				if ctx.Err() != nil {
					continue
				}
				admitted.Add(1)
				fn(ctx, u)
			}
		}()
	}

	// 无缓冲 channel：只有空闲 worker 能接走下一个单元，准入数天然不超过 workers。
feed:
	for _, u := range units {
		select {
		case jobs <- u:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	return int(admitted.Load())
}
