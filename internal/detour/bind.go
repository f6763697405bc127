package detour

import (
	"fmt"
	"reflect"
	"unsafe"
)

// FuncEntry returns the code entry address of fn, which must be a func
// value: a top-level function or a method expression. Bound method values
// point at an adapter, not the method itself, and are rejected.
func FuncEntry(fn any) (uintptr, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return 0, fmt.Errorf("func entry of %T", fn)
	}

	entry := v.Pointer()
	if entry == 0 {
		return 0, fmt.Errorf("nil func value")
	}

	return entry, nil
}

// BindFunc points the func variable at out to the code at entry. A func
// value is a pointer to a closure object whose first word is the code
// address, so a one-word object makes any entry callable with the
// signature the caller chooses. The caller owns getting that signature
// right.
func BindFunc(out any, entry uintptr) error {
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Func {
		return fmt.Errorf("bind target must be a pointer to a func variable, got %T", out)
	}

	if entry == 0 {
		return fmt.Errorf("bind to nil entry")
	}

	// closure holds the code pointer; it must stay reachable for as long
	// as the bound func value lives, which the func value itself
	// guarantees by pointing at it.
	closure := new(uintptr)
	*closure = entry

	fn := reflect.NewAt(v.Elem().Type(), unsafe.Pointer(&closure)).Elem()
	v.Elem().Set(fn)

	return nil
}
