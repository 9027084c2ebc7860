package run

import (
	"sync"

	"github.com/John-Robertt/qbatch/internal/domain"
)

// Progress 是 State 在某一时刻的快照。
type Progress struct {
	Total     int `json:"total"`
	Skipped   int `json:"skipped"`
	Planned   int `json:"planned"`
	Completed int `json:"completed"`
	InFlight  int `json:"in_flight"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// State 是一次批次的计数与失败收集器。
//
// 写入只来自 run 的事件消费者；Snapshot 可以在任意 goroutine 调用。
type State struct {
	mu       sync.Mutex
	p        Progress
	failures []domain.Failure
}

func NewState(total, skipped, planned int) *State {
	return &State{
		p:        Progress{Total: total, Skipped: skipped, Planned: planned},
		failures: make([]domain.Failure, 0, 16),
	}
}

// Dispatched 记录一个单元被准入。
func (s *State) Dispatched() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p.InFlight++
	return s.p
}

// Resolved 记录一个单元的终态（只改计数；失败详情走 RecordFailure）。
func (s *State) Resolved(res domain.UnitResult) Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p.InFlight > 0 {
		s.p.InFlight--
	}
	s.p.Completed++
	if res.Status == domain.StatusSucceeded {
		s.p.Succeeded++
		return s.p
	}
	s.p.Failed++
	return s.p
}

// FailureOf 把失败的 UnitResult 转成失败记录。
func FailureOf(res domain.UnitResult) domain.Failure {
	return domain.Failure{
		Index:     res.Index,
		ID:        res.ID,
		Key:       res.Key,
		Code:      res.ErrorCode,
		Msg:       res.ErrorMsg,
		Retryable: res.Retryable,
	}
}

// RecordFailure 只追加失败记录，不改计数。从不 panic，也不返回错误：
// 记录过程中的 panic 被吞掉，该条记录丢弃。
func (s *State) RecordFailure(f domain.Failure) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { _ = recover() }()
	s.recordLocked(f)
}

func (s *State) recordLocked(f domain.Failure) {
	if f.Code == "" {
		f.Code = domain.ErrCodeUnknown
	}
	s.failures = append(s.failures, f)
}

func (s *State) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p
}

// Failures 返回失败列表的副本（插入顺序）。
func (s *State) Failures() []domain.Failure {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Failure, len(s.failures))
	copy(out, s.failures)
	return out
}
