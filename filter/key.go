package filter

import (
	"fmt"
	"strconv"
)

// Scope is one position of a filter key: either an exact value or any value.
// The zero Scope is Any.
type Scope[T comparable] struct {
	value T
	exact bool
}

// Exact returns a scope matching only v.
func Exact[T comparable](v T) Scope[T] {
	return Scope[T]{value: v, exact: true}
}

// Any returns the wildcard scope.
func Any[T comparable]() Scope[T] {
	return Scope[T]{}
}

// IsAny reports whether the scope is the wildcard.
func (s Scope[T]) IsAny() bool { return !s.exact }

// Value returns the exact value and whether there is one.
func (s Scope[T]) Value() (T, bool) { return s.value, s.exact }

// Matches reports whether v falls within the scope.
func (s Scope[T]) Matches(v T) bool { return !s.exact || s.value == v }

// widen returns the scope followed by its wildcard, or just the wildcard.
func (s Scope[T]) widen() []Scope[T] {
	if s.exact {
		return []Scope[T]{s, {}}
	}
	return []Scope[T]{s}
}

func (s Scope[T]) String() string {
	if !s.exact {
		return "*"
	}
	switch v := any(s.value).(type) {
	case string:
		return strconv.Quote(v)
	default:
		return fmt.Sprint(v)
	}
}

// FirstKey scopes a filter to a network, a device type and a device.
type FirstKey struct {
	Network    Scope[int64]
	DeviceType Scope[int64]
	Device     Scope[string]
}

func (k FirstKey) String() string {
	return fmt.Sprintf("(%s,%s,%s)", k.Network, k.DeviceType, k.Device)
}

// generalizations lists k and every key obtained by replacing exact
// positions with the wildcard, k first and (*,*,*) last.
func (k FirstKey) generalizations() []FirstKey {
	var keys []FirstKey
	for _, n := range k.Network.widen() {
		for _, t := range k.DeviceType.widen() {
			for _, d := range k.Device.widen() {
				keys = append(keys, FirstKey{Network: n, DeviceType: t, Device: d})
			}
		}
	}
	return keys
}

// SecondKey scopes a filter to an event kind and an event name.
type SecondKey struct {
	EventName Scope[string]
	Name      Scope[string]
}

func (k SecondKey) String() string {
	return fmt.Sprintf("(%s,%s)", k.EventName, k.Name)
}

func (k SecondKey) generalizations() []SecondKey {
	var keys []SecondKey
	for _, e := range k.EventName.widen() {
		for _, n := range k.Name.widen() {
			keys = append(keys, SecondKey{EventName: e, Name: n})
		}
	}
	return keys
}

// Key addresses one cell of the filter table.
type Key struct {
	First  FirstKey
	Second SecondKey
}

func (k Key) String() string {
	return k.First.String() + k.Second.String()
}
