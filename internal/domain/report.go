package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// UnitResult 是单个已执行单元的终态（成功或失败二选一）。
type UnitResult struct {
	Index     int    `json:"index"`
	ID        string `json:"id"`
	Key       string `json:"key"`
	Status    string `json:"status"`
	Bytes     int64  `json:"bytes,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Failure 是失败收集器里的一条记录。
type Failure struct {
	Index     int    `json:"index"`
	ID        string `json:"id"`
	Key       string `json:"key"`
	Code      string `json:"error_code"`
	Msg       string `json:"error_msg"`
	Retryable bool   `json:"retryable"`
}

// BatchReport 是对外稳定输出（report.json / stdout JSON）的结构。
type BatchReport struct {
	RunID   string `json:"run_id"`
	Command string `json:"command"`
	Root    string `json:"root"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Interrupted bool `json:"interrupted"`
	// Error 非空表示批次被整体中止（例如 root 不可写、输入不可读、锁被占用）。
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`

	Summary  Summary   `json:"summary"`
	Failures []Failure `json:"failures"`
	Warnings []Warning `json:"warnings"`
}

// Summary 满足：Skipped + Attempted + Pending = Total，Attempted = Succeeded + Failed。
// Pending 只有在被中断时才可能非零（未被准入的单元）。
type Summary struct {
	Total     int `json:"total"`
	Skipped   int `json:"skipped"`
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Terminal  int `json:"terminal"`
	Warnings  int `json:"warnings"`
}

// OK 表示批次是否完全成功（决定 CLI 退出码）。
func (r BatchReport) OK() bool {
	return r.Error == "" && r.Summary.Failed == 0 && r.Summary.Pending == 0
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) failures 按枚举顺序稳定排序
// 3) 由 failures/warnings 补全派生字段，并保证 nil 切片输出为 []
func (r *BatchReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	if r.Failures == nil {
		r.Failures = []Failure{}
	}
	if r.Warnings == nil {
		r.Warnings = []Warning{}
	}
	sort.SliceStable(r.Failures, func(i, j int) bool { return r.Failures[i].Index < r.Failures[j].Index })
	sort.SliceStable(r.Warnings, func(i, j int) bool { return r.Warnings[i].Record < r.Warnings[j].Record })

	terminal := 0
	for _, f := range r.Failures {
		if !f.Retryable {
			terminal++
		}
	}
	r.Summary.Terminal = terminal
	r.Summary.Warnings = len(r.Warnings)

	s := &r.Summary
	if s.Attempted < s.Succeeded+s.Failed {
		s.Attempted = s.Succeeded + s.Failed
	}
	if p := s.Total - s.Skipped - s.Attempted; p > 0 {
		s.Pending = p
	} else {
		s.Pending = 0
	}
}

// MarshalJSON 仅用于集中约束输出的稳定性（避免未来不小心引入非确定字段）。
func (r BatchReport) MarshalJSON() ([]byte, error) {
	type Alias BatchReport
	return json.Marshal(Alias(r))
}
