package collisioncache

import (
	"errors"
	"reflect"
)

// ErrInvalidArgument is returned for builder misconfiguration and for
// put-family calls with a nil value. Wrapped with additional context via
// fmt.Errorf("%w: ...", ErrInvalidArgument).
var ErrInvalidArgument = errors.New("collisioncache: invalid argument")

// isNilValue reports whether v is the nil value of a nil-able kind (a nil
// interface, pointer, map, slice, chan, or func). Values of non-nil-able
// kinds (ints, structs, strings, ...) are never considered nil. Used to
// implement the "loader/mapper/put returned null" checks required of a
// generic V where V may or may not itself be nil-able.
func isNilValue[V any](v V) bool {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice, reflect.UnsafePointer:
		return rv.IsNil()
	default:
		return false
	}
}
