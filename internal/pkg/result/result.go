// Package result 区分可用性读取的三种结局：正常、降级（使用默认值继续）与失败。
//
// 可用性关键的读取返回 Result，调用方在 Degraded 时继续使用给出的默认值；
// 持久化写入直接返回 error，失败必须向上传递。
package result

// Kind 结果类型
type Kind int

const (
	// KindOk 成功读取
	KindOk Kind = iota
	// KindDegraded 读取失败，已回退到安全默认值
	KindDegraded
	// KindErr 读取失败且没有可用默认值
	KindErr
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindDegraded:
		return "degraded"
	default:
		return "error"
	}
}

// Result 带降级语义的读取结果
type Result[T any] struct {
	kind  Kind
	value T
	cause error
}

// Ok 成功结果
func Ok[T any](v T) Result[T] {
	return Result[T]{kind: KindOk, value: v}
}

// Degraded 降级结果：def 是回退值，cause 是导致降级的错误
func Degraded[T any](def T, cause error) Result[T] {
	return Result[T]{kind: KindDegraded, value: def, cause: cause}
}

// Err 失败结果
func Err[T any](cause error) Result[T] {
	return Result[T]{kind: KindErr, cause: cause}
}

// Kind 返回结果类型
func (r Result[T]) Kind() Kind { return r.kind }

// IsOk 是否成功
func (r Result[T]) IsOk() bool { return r.kind == KindOk }

// IsDegraded 是否降级
func (r Result[T]) IsDegraded() bool { return r.kind == KindDegraded }

// IsErr 是否失败
func (r Result[T]) IsErr() bool { return r.kind == KindErr }

// Value 返回值；Err 时为零值
func (r Result[T]) Value() T { return r.value }

// Cause 返回降级或失败原因
func (r Result[T]) Cause() error { return r.cause }

// ValueOr Err 时返回 def，其余返回携带的值
func (r Result[T]) ValueOr(def T) T {
	if r.kind == KindErr {
		return def
	}
	return r.value
}
