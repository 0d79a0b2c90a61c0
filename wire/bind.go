// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
	"sync"

	"github.com/pgasgo/pgas/persona"
)

// Func names a Go function registered for use in a bound call. RPC
// bodies must be registered once (typically in an init() function) on
// every rank that might execute or deserialize them, since a Func
// travels on the wire as its name rather than as a function pointer —
// the same reason the teacher's execInvocation records a func index
// rather than serializing code.
type Func struct {
	name string
	fn   reflect.Value
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Func{}
)

// RegisterFunc registers fn under name so that a BoundCall referring
// to name can be deserialized and executed. It panics if name is
// already registered, matching gob.Register's behavior on duplicate
// registration.
func RegisterFunc(name string, fn interface{}) Func {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		panic(fmt.Sprintf("wire: RegisterFunc(%q): not a function", name))
	}
	f := Func{name: name, fn: v}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("wire: RegisterFunc: %q already registered", name))
	}
	registry[name] = f
	return f
}

// LookupFunc returns the Func registered under name.
func LookupFunc(name string) (Func, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Name returns fn's registered name.
func (f Func) Name() string { return f.name }

// NumIn returns the number of arguments fn's underlying function
// expects.
func (f Func) NumIn() int { return f.fn.Type().NumIn() }

// In returns the type of fn's i'th argument.
func (f Func) In(i int) reflect.Type { return f.fn.Type().In(i) }

// BoundCall is a packable callable: the on-wire projections of a
// function value and its arguments, per spec.md §4.3's "bound
// callable" contract. Deserializing a BoundCall does not run it;
// Execute does, applying each argument's off-wire projection first
// (which may itself be asynchronous — see Projectable).
type BoundCall struct {
	Fn   Func
	Args []interface{}
}

// Bind returns a packable callable whose on-wire representation is the
// on-wire projections of fn and each of args. If fn is itself a
// BoundCall, Bind folds the nesting per spec.md §4.3's flattening rule
// — bind(bind(f, a...), b...) == bind(f, a..., b...) — rather than
// wrapping one BoundCall inside another, which would otherwise chain
// an extra layer of future resolution on every call.
func Bind(fn interface{}, args ...interface{}) BoundCall {
	if inner, ok := fn.(BoundCall); ok {
		merged := make([]interface{}, 0, len(inner.Args)+len(args))
		merged = append(merged, inner.Args...)
		merged = append(merged, args...)
		return BoundCall{Fn: inner.Fn, Args: merged}
	}
	f, ok := fn.(Func)
	if !ok {
		panic("wire: Bind: fn must be a wire.Func or wire.BoundCall")
	}
	return BoundCall{Fn: f, Args: args}
}

// typEmptyInterface is used, following the teacher's
// execInvocation.GobDecode, to decode an argument whose static
// parameter type is itself an interface.
var typEmptyInterface = reflect.TypeOf((*interface{})(nil)).Elem()

// MarshalBinary implements encoding.BinaryMarshaler. It follows the
// teacher's execInvocation.GobEncode pattern exactly: an argument is
// only encoded through its address (forcing gob to carry interface
// type information, which requires the concrete type to have been
// registered via gob.Register) when Fn's signature declares that
// parameter as an interface type. Every other argument is encoded by
// value, so gob recovers its concrete type from the call itself and
// no registration is needed — Bind already knows each argument's
// static type from Fn's signature, the same fact the teacher's
// invocation dispatch relies on.
func (bc BoundCall) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(bc.Fn.name); err != nil {
		return nil, fmt.Errorf("wire: encoding func name: %w", err)
	}
	if err := enc.Encode(len(bc.Args)); err != nil {
		return nil, err
	}
	for i, arg := range bc.Args {
		if bc.Fn.In(i).Kind() == reflect.Interface {
			if err := enc.Encode(&arg); err != nil {
				return nil, fmt.Errorf("wire: encoding arg %d: %w", i, err)
			}
			continue
		}
		if err := enc.Encode(arg); err != nil {
			return nil, fmt.Errorf("wire: encoding arg %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (bc *BoundCall) UnmarshalBinary(p []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(p))
	var name string
	if err := dec.Decode(&name); err != nil {
		return fmt.Errorf("wire: decoding func name: %w", err)
	}
	f, ok := LookupFunc(name)
	if !ok {
		return fmt.Errorf("wire: unknown bound function %q (not registered on this rank)", name)
	}
	bc.Fn = f
	var n int
	if err := dec.Decode(&n); err != nil {
		return err
	}
	bc.Args = make([]interface{}, n)
	for i := 0; i < n; i++ {
		typ := f.In(i)
		var v reflect.Value
		if typ.Kind() == reflect.Interface {
			v = reflect.New(typEmptyInterface)
		} else {
			v = reflect.New(typ)
		}
		if err := dec.DecodeValue(v); err != nil {
			return fmt.Errorf("wire: decoding arg %d: %w", i, err)
		}
		bc.Args[i] = v.Elem().Interface()
	}
	return nil
}

// Projectable is implemented by a deserialized argument whose off-wire
// projection may itself be asynchronous — e.g. a global pointer that
// must be fetched via rget before the bound function can run. Execute
// waits on each non-immediate projection in turn, through its Await,
// before invoking the underlying function; it always returns the
// function's results directly and never returns a future.
type Projectable interface {
	// Project returns the resolved argument. If immediate is true,
	// value is already usable. If false, f must be waited on (via the
	// caller's persona) and, once ready, its result substituted in
	// value's place.
	Project(cur *persona.Persona) (value interface{}, f AnyResultFuture, immediate bool)
}

// AnyResultFuture is the type-erased handle Execute uses to wait for a
// non-immediate projection without knowing its concrete future.Future[T]
// instantiation.
type AnyResultFuture interface {
	// Await blocks (cooperatively driving cur's progress) until the
	// projection resolves, returning its value.
	Await(cur *persona.Persona) (interface{}, error)
}

// Execute resolves every argument's off-wire projection and invokes
// the bound function via reflection, returning its results as a
// slice. cur is the persona driving progress for any non-immediate
// projection; it may be nil if every argument is known to be
// immediate (the common case for RPC bodies operating on by-value
// arguments and views).
func (bc BoundCall) Execute(cur *persona.Persona) ([]interface{}, error) {
	args := make([]reflect.Value, len(bc.Args))
	for i, a := range bc.Args {
		v := a
		if p, ok := a.(Projectable); ok {
			resolved, f, immediate := p.Project(cur)
			if !immediate {
				var err error
				resolved, err = f.Await(cur)
				if err != nil {
					return nil, err
				}
			}
			v = resolved
		}
		in := bc.Fn.In(i)
		rv := reflect.ValueOf(v)
		if !rv.IsValid() {
			rv = reflect.Zero(in)
		} else if !rv.Type().AssignableTo(in) && rv.Type().ConvertibleTo(in) {
			rv = rv.Convert(in)
		}
		args[i] = rv
	}
	out := bc.Fn.fn.Call(args)
	results := make([]interface{}, len(out))
	for i, o := range out {
		results[i] = o.Interface()
	}
	return results, nil
}
