// Package assertions holds invariant checks that panic on programmer error.
// They guard conditions that no network input can trigger; anything a peer
// or the bootstrap endpoint can cause is returned as an error instead.
package assertions

import (
	"fmt"
	"reflect"
	"runtime"
)

// Assert panics with msg and the caller's location when condition is false.
func Assert(condition bool, msg string) {
	if !condition {
		fail(msg, "")
	}
}

// AssertEqual panics when expected and actual differ.
func AssertEqual(expected, actual any, msg string) {
	if expected != actual {
		fail(msg, fmt.Sprintf("Expected: %v, Got: %v", expected, actual))
	}
}

// AssertNotNil panics when value is nil, including typed nil pointers,
// maps, channels and funcs hidden behind an interface.
func AssertNotNil(value any, msg string) {
	if isNil(value) {
		fail(msg, "Expected non-nil value")
	}
}

// AssertPositive panics when v is zero or negative.
func AssertPositive[T ~int | ~int32 | ~int64](v T, msg string) {
	if v <= 0 {
		fail(msg, fmt.Sprintf("Expected positive value, Got: %v", v))
	}
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func fail(msg, detail string) {
	_, file, line, _ := runtime.Caller(2)
	errorMsg := fmt.Sprintf("Assertion failed: %s", msg)
	if detail != "" {
		errorMsg += "\n" + detail
	}
	panic(fmt.Sprintf("%s\nFile: %s:%d", errorMsg, file, line))
}
