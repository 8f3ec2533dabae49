// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package kir

import (
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocore/velocore/kernel"
	"github.com/velocore/velocore/types/dtypes"
	"github.com/velocore/velocore/types/kerrors"
)

func scaleFunc() *kernel.Func {
	return &kernel.Func{
		Name: "scale",
		Params: []kernel.Param{
			kernel.ViewOf("in", dtypes.Float32, 1),
			kernel.ViewOf("out", dtypes.Float32, 1),
		},
		Body: []kernel.Stmt{
			kernel.Let("i", kernel.GlobalID(0)),
			kernel.StoreAt("out", []kernel.Expr{kernel.Var("i")},
				kernel.Mul(kernel.LoadAt("in", kernel.Var("i")), kernel.Float32Const(2))),
		},
	}
}

func buildKernel(t *testing.T, fn *kernel.Func, helpers ...*kernel.Func) *Module {
	t.Helper()
	lib := kernel.NewLibrary(append([]*kernel.Func{fn}, helpers...)...)
	sig := must.M1(kernel.NewSignature(lib, fn))
	m, err := Build(sig, nil)
	require.NoError(t, err)
	return m
}

func countOps(f *Func, op OpCode) int {
	n := 0
	for _, b := range f.Blocks {
		for v := range b.Values {
			if v.Op == op {
				n++
			}
		}
	}
	return n
}

func TestBuildScale(t *testing.T) {
	m := buildKernel(t, scaleFunc())
	require.NoError(t, Verify(m))

	f := m.Entry
	assert.Len(t, f.Params, 2)
	assert.Equal(t, 1, countOps(f, OpLoad))
	assert.Equal(t, 1, countOps(f, OpStore))
	// global_id(0) lowers to group_id*group_dim + local_id.
	assert.Equal(t, 1, countOps(f, OpLocalID))
	assert.Equal(t, 1, countOps(f, OpGroupID))
	assert.Equal(t, 1, countOps(f, OpGroupDim))
}

func TestBuildBindsConstants(t *testing.T) {
	fn := &kernel.Func{
		Name: "axpy",
		Params: []kernel.Param{
			kernel.ScalarOf("alpha", dtypes.Float32),
			kernel.ViewOf("x", dtypes.Float32, 1),
			kernel.ViewOf("y", dtypes.Float32, 1),
		},
		Body: []kernel.Stmt{
			kernel.Let("i", kernel.GlobalID(0)),
			kernel.StoreAt("y", []kernel.Expr{kernel.Var("i")},
				kernel.Add(
					kernel.Mul(kernel.Var("alpha"), kernel.LoadAt("x", kernel.Var("i"))),
					kernel.LoadAt("y", kernel.Var("i")))),
		},
	}
	lib := kernel.NewLibrary(fn)
	sig := must.M1(kernel.NewSignature(lib, fn))

	m, err := Build(sig, map[string]any{"alpha": float32(1.5)})
	require.NoError(t, err)

	// The bound scalar vanished from the runtime parameter list and shows
	// up as a constant instead.
	require.Len(t, m.Entry.Params, 2)
	found := false
	for _, b := range m.Entry.Blocks {
		for _, v := range b.Instrs {
			if v.Op == OpConst && v.Type.DType == dtypes.Float32 &&
				math.Float32frombits(uint32(v.ConstBits)) == 1.5 {
				found = true
			}
		}
	}
	assert.True(t, found, "bound constant 1.5 not materialized")
}

func TestBuildConstantFolding(t *testing.T) {
	// 2+3 folds at construction time; no add of two constants survives.
	fn := &kernel.Func{
		Name:   "fold",
		Params: []kernel.Param{kernel.ViewOf("out", dtypes.Int32, 1)},
		Body: []kernel.Stmt{
			kernel.StoreAt("out", []kernel.Expr{kernel.Int32Const(0)},
				kernel.Add(kernel.Int32Const(2), kernel.Int32Const(3))),
		},
	}
	m := buildKernel(t, fn)
	assert.Equal(t, 0, countOps(m.Entry, OpAdd))
}

func TestBuildRejectsFloat16Arithmetic(t *testing.T) {
	fn := &kernel.Func{
		Name: "h16",
		Params: []kernel.Param{
			kernel.ViewOf("in", dtypes.Float16, 1),
			kernel.ViewOf("out", dtypes.Float16, 1),
		},
		Body: []kernel.Stmt{
			kernel.Let("i", kernel.GlobalID(0)),
			kernel.StoreAt("out", []kernel.Expr{kernel.Var("i")},
				kernel.Add(kernel.LoadAt("in", kernel.Var("i")), kernel.LoadAt("in", kernel.Var("i")))),
		},
	}
	lib := kernel.NewLibrary(fn)
	sig := must.M1(kernel.NewSignature(lib, fn))
	_, err := Build(sig, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrUnsupportedConstruct))
}

func TestBuildAllowsFloat16AtBoundaries(t *testing.T) {
	// Convert to Float32, compute, convert back: the supported idiom.
	fn := &kernel.Func{
		Name: "h16ok",
		Params: []kernel.Param{
			kernel.ViewOf("in", dtypes.Float16, 1),
			kernel.ViewOf("out", dtypes.Float16, 1),
		},
		Body: []kernel.Stmt{
			kernel.Let("i", kernel.GlobalID(0)),
			kernel.Let("x", kernel.ConvertTo(dtypes.Float32, kernel.LoadAt("in", kernel.Var("i")))),
			kernel.StoreAt("out", []kernel.Expr{kernel.Var("i")},
				kernel.ConvertTo(dtypes.Float16, kernel.Mul(kernel.Var("x"), kernel.Float32Const(2)))),
		},
	}
	buildKernel(t, fn)
}

func TestBuildRejectsRecursion(t *testing.T) {
	ping := &kernel.Func{
		Name:    "ping",
		Params:  []kernel.Param{kernel.ScalarOf("x", dtypes.Int32)},
		Returns: dtypes.Int32,
		Body:    []kernel.Stmt{&kernel.Return{Value: kernel.CallFunc("pong", kernel.Var("x"))}},
	}
	pong := &kernel.Func{
		Name:    "pong",
		Params:  []kernel.Param{kernel.ScalarOf("x", dtypes.Int32)},
		Returns: dtypes.Int32,
		Body:    []kernel.Stmt{&kernel.Return{Value: kernel.CallFunc("ping", kernel.Var("x"))}},
	}
	entry := &kernel.Func{
		Name:   "rec",
		Params: []kernel.Param{kernel.ViewOf("out", dtypes.Int32, 1)},
		Body: []kernel.Stmt{
			kernel.StoreAt("out", []kernel.Expr{kernel.Int32Const(0)},
				kernel.CallFunc("ping", kernel.Int32Const(1))),
		},
	}
	lib := kernel.NewLibrary(entry, ping, pong)
	sig := must.M1(kernel.NewSignature(lib, entry))
	_, err := Build(sig, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrUnsupportedConstruct))
}

func TestBuildBarrierUniformity(t *testing.T) {
	shared := func(body ...kernel.Stmt) *kernel.Func {
		return &kernel.Func{
			Name: "reduce",
			Params: []kernel.Param{
				kernel.ScalarOf("n", dtypes.Int32),
				kernel.ViewOf("out", dtypes.Float32, 1),
			},
			Body: append([]kernel.Stmt{
				&kernel.DeclShared{Name: "tile", DType: dtypes.Float32, Count: kernel.Int32Const(64)},
			}, body...),
		}
	}

	// Barrier under a scalar-parameter condition is group-uniform.
	ok := shared(
		kernel.IfThen(kernel.Gt(kernel.Var("n"), kernel.Int32Const(0)),
			&kernel.Barrier{},
		),
		kernel.StoreAt("out", []kernel.Expr{kernel.Int32Const(0)}, kernel.Float32Const(1)),
	)
	buildKernel(t, ok)

	// Barrier under a local-id condition diverges within the group.
	bad := shared(
		kernel.IfThen(kernel.Lt(kernel.LocalID(0), kernel.Int32Const(32)),
			&kernel.Barrier{},
		),
		kernel.StoreAt("out", []kernel.Expr{kernel.Int32Const(0)}, kernel.Float32Const(1)),
	)
	lib := kernel.NewLibrary(bad)
	sig := must.M1(kernel.NewSignature(lib, bad))
	_, err := Build(sig, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrUnsupportedConstruct))
}

func TestBuildRejectsNonIntIndex(t *testing.T) {
	fn := &kernel.Func{
		Name:   "fidx",
		Params: []kernel.Param{kernel.ViewOf("out", dtypes.Float32, 1)},
		Body: []kernel.Stmt{
			kernel.StoreAt("out", []kernel.Expr{kernel.Float32Const(0)}, kernel.Float32Const(1)),
		},
	}
	lib := kernel.NewLibrary(fn)
	sig := must.M1(kernel.NewSignature(lib, fn))
	_, err := Build(sig, nil)
	require.Error(t, err)
}

func TestBuildRejectsNonConstantLoopBound(t *testing.T) {
	fn := &kernel.Func{
		Name: "badstep",
		Params: []kernel.Param{
			kernel.ScalarOf("s", dtypes.Int32),
			kernel.ViewOf("out", dtypes.Int32, 1),
		},
		Body: []kernel.Stmt{
			&kernel.For{
				Var:   "i",
				Start: kernel.Int32Const(0),
				Limit: kernel.Int32Const(16),
				Step:  kernel.Var("s"),
				Body: []kernel.Stmt{
					kernel.StoreAt("out", []kernel.Expr{kernel.Var("i")}, kernel.Var("i")),
				},
			},
		},
	}
	lib := kernel.NewLibrary(fn)
	sig := must.M1(kernel.NewSignature(lib, fn))
	_, err := Build(sig, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrUnsupportedConstruct))

	// The same step bound through specialization is fine.
	_, err = Build(sig, map[string]any{"s": int32(4)})
	require.NoError(t, err)
}

func TestBuildLoopPlacesPhi(t *testing.T) {
	fn := &kernel.Func{
		Name: "sum",
		Params: []kernel.Param{
			kernel.ViewOf("in", dtypes.Float32, 1),
			kernel.ViewOf("out", dtypes.Float32, 1),
		},
		Body: []kernel.Stmt{
			kernel.Let("acc", kernel.Float32Const(0)),
			kernel.Loop("i", kernel.LenOf("in"),
				kernel.Let("acc", kernel.Add(kernel.Var("acc"), kernel.LoadAt("in", kernel.Var("i")))),
			),
			kernel.StoreAt("out", []kernel.Expr{kernel.Int32Const(0)}, kernel.Var("acc")),
		},
	}
	m := buildKernel(t, fn)
	// One phi each for the accumulator and the induction variable.
	assert.Equal(t, 2, countOps(m.Entry, OpPhi))
}
