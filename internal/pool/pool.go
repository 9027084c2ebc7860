// Package pool 提供有界并发执行：同一时刻最多 k 个单元在执行中。
//
// 两种策略对外行为一致，只在“承载并发的方式”上不同：
//   - workers：固定 k 个 goroutine 从无缓冲 channel 取单元（适合阻塞式 I/O）
//   - semaphore：每个被准入的单元一个 goroutine，由计数信号量控制准入（适合大量等待远端的单元）
package pool

import (
	"context"
	"fmt"
	"strings"

	"github.com/John-Robertt/qbatch/internal/domain"
)

const (
	StrategyWorkers   = "workers"
	StrategySemaphore = "semaphore"
)

// Func 执行单个单元；返回即视为该单元已 resolve（成功或失败由 Func 自己记录）。
// Func 必须自己兜住所有错误，不允许 panic 逃逸。
type Func func(ctx context.Context, u domain.WorkUnit)

// Pool 以至多 k 的并发执行 units。
//
// - 单元按切片顺序被准入；某个槽位释放后立即准入下一个
// - ctx 取消后不再准入新单元；已准入的单元收到同一个 ctx，Run 等待它们全部返回
// - 返回被准入（fn 被调用）的单元数
type Pool interface {
	Run(ctx context.Context, units []domain.WorkUnit, fn Func) (admitted int)
	Limit() int
}

// New 按策略名构造 Pool；k 必须 >= 1。
func New(strategy string, k int) (Pool, error) {
	if k < 1 {
		return nil, fmt.Errorf("max_concurrency 必须 >= 1，实际 %d", k)
	}
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case StrategyWorkers, "":
		return workerPool{k: k}, nil
	case StrategySemaphore:
		return semaphorePool{k: k}, nil
	default:
		return nil, fmt.Errorf("未知并发策略：%q（可选 %s|%s）", strategy, StrategyWorkers, StrategySemaphore)
	}
}
