package domain

import "errors"

// 错误分类。具体错误通过 %w 包装这些哨兵错误，调用方使用 errors.Is 判断类别。
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported")
	ErrUpstream     = errors.New("upstream failure")
	ErrConflict     = errors.New("conflict")
)

var (
	ErrSessionNotFound = &kindError{msg: "session not found", kind: ErrNotFound}
	ErrTokenNotFound   = &kindError{msg: "attachment token invalid or expired", kind: ErrNotFound}
	ErrMessageNotFound = &kindError{msg: "message not found", kind: ErrNotFound}
	ErrUnsupportedTTL  = &kindError{msg: "unsupported ttl option", kind: ErrUnsupported}
	ErrStaleGeneration = &kindError{msg: "session was rotated during refresh", kind: ErrConflict}
)

// kindError 带有分类的具体错误。
type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }
