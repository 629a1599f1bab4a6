package container

import "fmt"

// Option holds a value that may be absent, such as a nullable column of a trace row.
type Option[T any] struct {
	v   T
	set bool
}

func (opt Option[T]) String() string {
	if !opt.set {
		return "None"
	}
	return fmt.Sprintf("%v", opt.v)
}

func None[T any]() Option[T] {
	return Option[T]{
		set: false,
	}
}

func Some[T any](v T) Option[T] {
	return Option[T]{
		v:   v,
		set: true,
	}
}

// OptionIf returns Some(v) if ok is true and None otherwise. It adapts the (value, ok) pairs returned by
// nullable scanners.
func OptionIf[T any](v T, ok bool) Option[T] {
	if !ok {
		return None[T]()
	}
	return Some(v)
}

func (m Option[T]) Get() (T, bool) {
	return m.v, m.set
}

func (m Option[T]) GetOr(alt T) T {
	if m.set {
		return m.v
	} else {
		return alt
	}
}

func (m Option[T]) Set() bool {
	return m.set
}

func (m Option[T]) MustGet() T {
	if !m.set {
		panic("called MustGet on unset Option")
	}
	return m.v
}
