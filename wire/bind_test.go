// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/gob"
	"testing"
)

func addTwo(a, b int32) int32 { return a + b }

var addTwoFn = RegisterFunc("pgas/wire_test.addTwo", addTwo)

func TestBindMarshalUnmarshalRoundTrip(t *testing.T) {
	bc := Bind(addTwoFn, int32(3), int32(4))

	data, err := bc.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary returned error: %v", err)
	}

	var decoded BoundCall
	if err := decoded.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary returned error: %v", err)
	}
	if decoded.Fn.Name() != addTwoFn.Name() {
		t.Errorf("decoded.Fn.Name() = %q, want %q", decoded.Fn.Name(), addTwoFn.Name())
	}

	results, err := decoded.Execute(nil)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(results) != 1 || results[0].(int32) != 7 {
		t.Errorf("Execute results = %v, want [7]", results)
	}
}

func TestBindNestedFlattens(t *testing.T) {
	inner := Bind(addTwoFn, int32(1))
	outer := Bind(inner, int32(2))
	if outer.Fn.Name() != addTwoFn.Name() {
		t.Errorf("nested Bind must resolve to the innermost Func")
	}
	if len(outer.Args) != 2 {
		t.Fatalf("nested Bind must flatten to a single Args list, got %v", outer.Args)
	}
	results, err := outer.Execute(nil)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if results[0].(int32) != 3 {
		t.Errorf("Execute results = %v, want [3]", results)
	}
}

func TestBindPanicsOnBadFn(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Bind with a non-Func, non-BoundCall fn must panic")
		}
	}()
	Bind(addTwo, int32(1), int32(2))
}

type greeter interface {
	Greet() string
}

type englishGreeter struct{}

func (englishGreeter) Greet() string { return "hello" }

func greetVia(g greeter) string { return g.Greet() }

var greetViaFn = RegisterFunc("pgas/wire_test.greetVia", greetVia)

func TestBindInterfaceArgRequiresRegistration(t *testing.T) {
	gob.Register(englishGreeter{})

	bc := Bind(greetViaFn, greeter(englishGreeter{}))
	data, err := bc.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary returned error: %v", err)
	}

	var decoded BoundCall
	if err := decoded.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary returned error: %v", err)
	}
	results, err := decoded.Execute(nil)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if results[0].(string) != "hello" {
		t.Errorf("Execute results = %v, want [hello]", results)
	}
}

func TestUnmarshalUnknownFuncErrors(t *testing.T) {
	bc := Bind(addTwoFn, int32(1), int32(2))
	data, err := bc.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary returned error: %v", err)
	}

	registryMu.Lock()
	saved := registry[addTwoFn.Name()]
	delete(registry, addTwoFn.Name())
	registryMu.Unlock()
	defer func() {
		registryMu.Lock()
		registry[addTwoFn.Name()] = saved
		registryMu.Unlock()
	}()

	var decoded BoundCall
	if err := decoded.UnmarshalBinary(data); err == nil {
		t.Errorf("UnmarshalBinary of an unregistered func must error")
	}
}
