// Package nilcheck detects nil values hidden behind non-nil interfaces.
package nilcheck

import "reflect"

// IsNil reports whether value is nil or an interface wrapping a nil pointer,
// map, slice, channel or func. Constructors use it so a typed-nil store or bus
// is rejected at wiring time instead of panicking on the first call.
func IsNil(value any) bool {
	if value == nil {
		return true
	}

	v := reflect.ValueOf(value)

	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
