package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/John-Robertt/qbatch/internal/domain"
)

type semaphorePool struct {
	k int
}

func (p semaphorePool) Limit() int { return p.k }

func (p semaphorePool) Run(ctx context.Context, units []domain.WorkUnit, fn Func) int {
	sem := semaphore.NewWeighted(int64(p.k))
	var wg sync.WaitGroup

	admitted := 0
	for _, u := range units {
		// Acquire 在 ctx 取消时返回错误：停止准入。
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			break
		}
		admitted++
		wg.Add(1)
		go func(u domain.WorkUnit) {
			defer wg.Done()
			defer sem.Release(1)
			fn(ctx, u)
		}(u)
	}
	wg.Wait()
	return admitted
}
