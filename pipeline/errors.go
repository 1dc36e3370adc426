package pipeline

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/chaos-io/nobg/guard"
)

// Kind 错误分类
type Kind int

const (
	KindUnknown Kind = iota
	KindIO
	KindInference
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindInference:
		return "inference"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error 流水线错误；IO 和推理错误带调用栈，%+v 时打印
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "%s: %+v", e.Op, e.Err)
		return
	}
	_, _ = io.WriteString(s, e.Error())
}

// KindOf 返回 err 链上第一个 *Error 的分类
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// HasTrace IO 和推理错误需要打印完整调用栈
func HasTrace(err error) bool {
	switch KindOf(err) {
	case KindIO, KindInference:
		return true
	default:
		return false
	}
}

func ioError(op string, err error) error {
	return &Error{Kind: KindIO, Op: op, Err: errors.WithStack(err)}
}

func inferenceError(err error) error {
	if errors.Is(err, guard.ErrTimeout) {
		return &Error{Kind: KindTimeout, Op: "remove background", Err: err}
	}
	return &Error{Kind: KindInference, Op: "remove background", Err: errors.WithStack(err)}
}
