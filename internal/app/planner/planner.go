package planner

import (
	"sort"

	"github.com/John-Robertt/qbatch/internal/domain"
)

// Checker 判断某个产物是否已经完整存在。
type Checker interface {
	Exists(key string) bool
}

// Plan 是同步的存在性预检：已存在的单元直接跳过，其余按枚举顺序进入待执行队列。
//
// 预检只做 stat，不读产物内容；执行阶段不会再对 Skipped 做任何事。
func Plan(units []domain.WorkUnit, c Checker) domain.Plan {
	p := domain.Plan{
		Total:    len(units),
		Skipped:  make([]domain.WorkUnit, 0),
		Residual: make([]domain.WorkUnit, 0, len(units)),
	}
	for _, u := range units {
		if c.Exists(u.Key) {
			p.Skipped = append(p.Skipped, u)
			continue
		}
		p.Residual = append(p.Residual, u)
	}
	return p
}

// SortUnits 让上层在需要时可显式保证稳定顺序（按枚举序号）。
func SortUnits(units []domain.WorkUnit) {
	sort.SliceStable(units, func(i, j int) bool { return units[i].Index < units[j].Index })
}
