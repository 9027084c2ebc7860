package worker

import (
	"context"
	"io"

	"github.com/John-Robertt/qbatch/internal/domain"
)

// Worker 是 do_work 协作者：为一个单元生成产物字节，写入 w（暂存文件）。
//
// 约束：
// - Do 不关心暂存/提交/清理，这些由批处理引擎统一完成
// - Do 必须尊重 ctx（超时/取消），返回的错误可用 domain.Transient/Terminal 标注可重试性
// - Do 不做重试：重跑批次才是重试手段
// - 实现必须并发安全：同一个 Worker 会被多个 goroutine 同时调用
type Worker interface {
	Name() string
	Do(ctx context.Context, u domain.WorkUnit, w io.Writer) error
}

// Func 把普通函数适配为 Worker。
type Func struct {
	ID string
	Fn func(ctx context.Context, u domain.WorkUnit, w io.Writer) error
}

func (f Func) Name() string { return f.ID }

func (f Func) Do(ctx context.Context, u domain.WorkUnit, w io.Writer) error {
	return f.Fn(ctx, u, w)
}
