package model

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind string

const (
	KindPortBind       Kind = "port_bind"
	KindLaunch         Kind = "launch"
	KindNavigation     Kind = "navigation"
	KindEvaluation     Kind = "evaluation"
	KindCapture        Kind = "capture"
	KindTimeout        Kind = "timeout"
	KindAssertion      Kind = "assertion"
	KindInfrastructure Kind = "infrastructure"
)

var (
	ErrPortBind       = errors.New("port bind failed")
	ErrLaunch         = errors.New("browser launch failed")
	ErrNavigation     = errors.New("navigation failed")
	ErrEvaluation     = errors.New("evaluation failed")
	ErrCapture        = errors.New("capture failed")
	ErrTimeout        = errors.New("operation timed out")
	ErrAssertion      = errors.New("assertion failed")
	ErrInfrastructure = errors.New("infrastructure unavailable")
	ErrSessionClosed  = errors.New("browser session closed")
)

var sentinels = map[Kind]error{
	KindPortBind:       ErrPortBind,
	KindLaunch:         ErrLaunch,
	KindNavigation:     ErrNavigation,
	KindEvaluation:     ErrEvaluation,
	KindCapture:        ErrCapture,
	KindTimeout:        ErrTimeout,
	KindAssertion:      ErrAssertion,
	KindInfrastructure: ErrInfrastructure,
}

// Error 带分类与操作名的错误
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s [%s]", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrNavigation) 这类判断按分类命中
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// NewError 创建分类错误
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf 以格式化消息创建分类错误
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf 返回错误链上第一个分类，未分类返回空串
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsInfrastructure 判断是否为基础设施故障（与断言失败区分）
func IsInfrastructure(err error) bool {
	switch KindOf(err) {
	case KindPortBind, KindLaunch, KindNavigation, KindEvaluation, KindInfrastructure, KindTimeout:
		return true
	}
	return false
}
