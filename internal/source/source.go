package source

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/John-Robertt/qbatch/internal/artifact"
	"github.com/John-Robertt/qbatch/internal/domain"
)

// ErrSkip 由 Mapper 返回，表示该记录应被静默跳过（例如空行、注释）。
var ErrSkip = errors.New("source: skip")

// Record 是一条原始工作描述。
type Record struct {
	Index int // 在输入中的位置（0-based），决定枚举顺序
	Text  string
	Attrs map[string]string
}

// Source 是确定性的、可完整枚举的原始输入。
// 同一输入多次调用 Records 必须返回相同顺序。
type Source interface {
	Name() string
	Records(ctx context.Context) ([]Record, error)
}

// Mapper 把一条原始记录映射为 WorkUnit。
//
// - 返回 ErrSkip：静默跳过
// - 返回其它错误：畸形记录，产生一条 Warning，枚举继续
type Mapper func(r Record) (domain.WorkUnit, error)

// Producer 负责把 Source + Mapper 变成稳定顺序的 WorkUnit 列表。
type Producer struct {
	Source Source
	Map    Mapper
	Log    *zap.Logger
}

// Enumerate 枚举全部单元。
//
// - 只有 Source 本身不可读时才返回 error（批次级失败）
// - 单条记录失败降级为 Warning
// - Key 先按 artifact.CleanKey 规范化；非法 key 记为 Warning
// - ID 或 Key 重复：保留首次出现的单元，后者记为 Warning
func (p Producer) Enumerate(ctx context.Context) ([]domain.WorkUnit, []domain.Warning, error) {
	if p.Source == nil || p.Map == nil {
		return nil, nil, errors.New("source 与 mapper 不能为空")
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	records, err := p.Source.Records(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("读取输入失败（%s）：%w", p.Source.Name(), err)
	}

	units := make([]domain.WorkUnit, 0, len(records))
	warnings := make([]domain.Warning, 0)
	byID := make(map[string]int, len(records))
	byKey := make(map[string]int, len(records))

	warn := func(r Record, msg string) {
		warnings = append(warnings, domain.Warning{Record: r.Index, Msg: msg})
		log.Warn("跳过输入记录", zap.Int("record", r.Index), zap.String("reason", msg))
	}

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		u, err := p.Map(r)
		if err != nil {
			if errors.Is(err, ErrSkip) {
				continue
			}
			warn(r, err.Error())
			continue
		}
		// 比较前先规范化：x/./y.bin 与 x\y.bin 都落到 x/y.bin。
		key, err := artifact.CleanKey(u.Key)
		if err != nil {
			warn(r, err.Error())
			continue
		}
		u.Key = key
		if u.ID == "" {
			u.ID = u.Key
		}
		if prev, ok := byID[u.ID]; ok {
			warn(r, fmt.Sprintf("重复的单元 id %q（首次出现在记录 %d）", u.ID, units[prev].Index))
			continue
		}
		if prev, ok := byKey[u.Key]; ok {
			warn(r, fmt.Sprintf("重复的产物 %q（首次出现在记录 %d）", u.Key, units[prev].Index))
			continue
		}
		u.Index = r.Index
		byID[u.ID] = len(units)
		byKey[u.Key] = len(units)
		units = append(units, u)
	}
	return units, warnings, nil
}

// Static 是内存中的固定输入（测试与组合场景使用）。
type Static []Record

func (Static) Name() string { return "static" }

func (s Static) Records(context.Context) ([]Record, error) {
	out := make([]Record, len(s))
	copy(out, s)
	return out, nil
}
