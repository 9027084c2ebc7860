package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

const (
	ErrCodeTransient    = "transient"
	ErrCodeTerminal     = "terminal"
	ErrCodeTimeout      = "timeout"
	ErrCodeCanceled     = "canceled"
	ErrCodeNetwork      = "network"
	ErrCodeHTTP4xx      = "http_4xx"
	ErrCodeHTTP429      = "http_429"
	ErrCodeHTTP5xx      = "http_5xx"
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeEmptyOutput  = "empty_output"
	ErrCodeCommitFailed = "commit_failed"
	ErrCodeIOFailed     = "io_failed"
	ErrCodeUnknown      = "unknown"

	ErrCodeSourceFailed   = "source_failed"
	ErrCodeRootUnwritable = "root_unwritable"
	ErrCodeLockHeld       = "lock_held"
	ErrCodeConfigInvalid  = "config_invalid"
)

// ErrEmptyOutput 表示 do_work 成功返回但没有写出任何字节。
var ErrEmptyOutput = errors.New("产出为空")

// UnitError 给单元失败附加错误码与可重试性。
//
// Retryable=true 对应 TransientUnitFailure：再次运行批次可能成功；
// Retryable=false 对应 TerminalUnitFailure：输入本身有问题，重跑不会改变结果。
type UnitError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *UnitError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Err.Error()
}

func (e *UnitError) Unwrap() error { return e.Err }

// Transient 把 err 标记为可重试失败。
func Transient(code string, err error) error {
	if code == "" {
		code = ErrCodeTransient
	}
	return &UnitError{Code: code, Retryable: true, Err: err}
}

// Terminal 把 err 标记为不可重试失败。
func Terminal(code string, err error) error {
	if code == "" {
		code = ErrCodeTerminal
	}
	return &UnitError{Code: code, Retryable: false, Err: err}
}

// Terminalf 是 Terminal(ErrCodeInvalidInput, fmt.Errorf(...)) 的简写。
func Terminalf(format string, args ...any) error {
	return Terminal(ErrCodeInvalidInput, fmt.Errorf(format, args...))
}

// Classify 把任意错误归类为 (error_code, retryable)。
// 只依赖错误类型与哨兵错误，不做字符串匹配；未知错误按可重试处理（重跑批次即是重试）。
func Classify(err error) (code string, retryable bool) {
	if err == nil {
		return "", false
	}
	var ue *UnitError
	if errors.As(err, &ue) {
		return ue.Code, ue.Retryable
	}
	// 取消/超时优先：单元级超时与整体取消都可能以 ctx 错误的形式冒出来。
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout, true
	}
	if errors.Is(err, context.Canceled) {
		return ErrCodeCanceled, true
	}
	if errors.Is(err, ErrEmptyOutput) {
		return ErrCodeEmptyOutput, true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return ErrCodeTimeout, true
		}
		return ErrCodeNetwork, true
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return ErrCodeIOFailed, true
	}
	return ErrCodeUnknown, true
}
