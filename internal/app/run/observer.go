package run

import (
	"time"

	"github.com/John-Robertt/qbatch/internal/config"
	"github.com/John-Robertt/qbatch/internal/domain"
)

// Observer 用于把“运行进度/阶段/单元结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）
// - 单元事件只由一个消费者 goroutine 投递，顺序与 State 的变化一致
// - Observer 慢不会拖住并发池：事件先进入带缓冲的 channel
type Observer interface {
	// OnStart 在 ExecuteWithObserver 开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(eff config.Batch)
	// OnPhaseDone 在阶段结束/就绪时调用（enumerate / plan / exec / drain）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnUnitStart 在单元被准入后调用。
	OnUnitStart(u domain.WorkUnit, p Progress)
	// OnUnitDone 在单元 resolve（成功或失败）后调用。
	OnUnitDone(res domain.UnitResult, p Progress, dur time.Duration)
}
