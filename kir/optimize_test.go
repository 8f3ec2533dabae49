// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package kir

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocore/velocore/kernel"
	"github.com/velocore/velocore/types/dtypes"
)

// optimized builds and fully optimizes a kernel.
func optimized(t *testing.T, fn *kernel.Func, helpers ...*kernel.Func) *Module {
	t.Helper()
	m := buildKernel(t, fn, helpers...)
	Optimize(m, PipelineOptions{})
	require.NoError(t, Verify(m))
	return m
}

func TestOptimizeIdempotent(t *testing.T) {
	two := &kernel.Func{
		Name:    "two",
		Returns: dtypes.Float32,
		Body:    []kernel.Stmt{&kernel.Return{Value: kernel.Float32Const(2)}},
	}
	fn := &kernel.Func{
		Name: "busy",
		Params: []kernel.Param{
			kernel.ScalarOf("n", dtypes.Int32),
			kernel.ViewOf("in", dtypes.Float32, 2),
			kernel.ViewOf("out", dtypes.Float32, 2),
		},
		Body: []kernel.Stmt{
			&kernel.DeclShared{Name: "tile", DType: dtypes.Float32, Count: kernel.Int32Const(64)},
			kernel.Let("r", kernel.GlobalID(0)),
			&kernel.SharedStore{Name: "tile", Index: kernel.LocalID(0),
				Value: kernel.LoadAt("in", kernel.Var("r"), kernel.Int32Const(0))},
			&kernel.Barrier{},
			kernel.Let("acc", kernel.Float32Const(0)),
			kernel.Loop("c", kernel.Var("n"),
				kernel.Let("acc", kernel.Add(kernel.Var("acc"),
					kernel.Mul(kernel.LoadAt("in", kernel.Var("r"), kernel.Var("c")), kernel.CallFunc("two")))),
			),
			kernel.StoreAt("out", []kernel.Expr{kernel.Var("r"), kernel.Int32Const(0)},
				kernel.Add(kernel.Var("acc"), &kernel.SharedLoad{Name: "tile", Index: kernel.LocalID(0)})),
		},
	}
	m := optimized(t, fn, two)
	first := m.String()
	Optimize(m, PipelineOptions{})
	require.NoError(t, Verify(m))
	assert.Empty(t, cmp.Diff(first, m.String()))
}

func TestInlineEliminatesCalls(t *testing.T) {
	clampLo := &kernel.Func{
		Name: "clamp_lo",
		Params: []kernel.Param{
			kernel.ScalarOf("x", dtypes.Float32),
			kernel.ScalarOf("lo", dtypes.Float32),
		},
		Returns: dtypes.Float32,
		Body:    []kernel.Stmt{&kernel.Return{Value: kernel.Max(kernel.Var("x"), kernel.Var("lo"))}},
	}
	relu := &kernel.Func{
		Name:    "relu",
		Params:  []kernel.Param{kernel.ScalarOf("x", dtypes.Float32)},
		Returns: dtypes.Float32,
		Body: []kernel.Stmt{
			&kernel.Return{Value: kernel.CallFunc("clamp_lo", kernel.Var("x"), kernel.Float32Const(0))},
		},
	}
	fn := &kernel.Func{
		Name: "apply_relu",
		Params: []kernel.Param{
			kernel.ViewOf("in", dtypes.Float32, 1),
			kernel.ViewOf("out", dtypes.Float32, 1),
		},
		Body: []kernel.Stmt{
			kernel.Let("i", kernel.GlobalID(0)),
			kernel.StoreAt("out", []kernel.Expr{kernel.Var("i")},
				kernel.CallFunc("relu", kernel.LoadAt("in", kernel.Var("i")))),
		},
	}
	m := optimized(t, fn, relu, clampLo)
	assert.Equal(t, 0, countOps(m.Entry, OpCall))
	assert.Equal(t, 1, countOps(m.Entry, OpMax))
}

func TestInlineRespectsDepthLimit(t *testing.T) {
	// A chain of wrappers deeper than the inline depth leaves a call behind.
	depth := 3
	inner := &kernel.Func{
		Name:    "w0",
		Params:  []kernel.Param{kernel.ScalarOf("x", dtypes.Float32)},
		Returns: dtypes.Float32,
		Body:    []kernel.Stmt{&kernel.Return{Value: kernel.Neg(kernel.Var("x"))}},
	}
	funcs := []*kernel.Func{inner}
	for i := 1; i <= depth+2; i++ {
		funcs = append(funcs, &kernel.Func{
			Name:    funcName(i),
			Params:  []kernel.Param{kernel.ScalarOf("x", dtypes.Float32)},
			Returns: dtypes.Float32,
			Body:    []kernel.Stmt{&kernel.Return{Value: kernel.CallFunc(funcName(i-1), kernel.Var("x"))}},
		})
	}
	fn := &kernel.Func{
		Name: "deep",
		Params: []kernel.Param{
			kernel.ViewOf("in", dtypes.Float32, 1),
			kernel.ViewOf("out", dtypes.Float32, 1),
		},
		Body: []kernel.Stmt{
			kernel.Let("i", kernel.GlobalID(0)),
			kernel.StoreAt("out", []kernel.Expr{kernel.Var("i")},
				kernel.CallFunc(funcName(depth+2), kernel.LoadAt("in", kernel.Var("i")))),
		},
	}
	lib := kernel.NewLibrary(append([]*kernel.Func{fn}, funcs...)...)
	sig := must.M1(kernel.NewSignature(lib, fn))
	m, err := Build(sig, nil)
	require.NoError(t, err)

	Optimize(m, PipelineOptions{InlineDepth: depth, InlineBudget: 16 * 1024, Rounds: 1})
	require.NoError(t, Verify(m))
	assert.Greater(t, countOps(m.Entry, OpCall), 0)
}

func funcName(i int) string {
	return "w" + string(rune('0'+i))
}

func TestConstFoldAfterInline(t *testing.T) {
	two := &kernel.Func{
		Name:    "two",
		Returns: dtypes.Float32,
		Body:    []kernel.Stmt{&kernel.Return{Value: kernel.Add(kernel.Float32Const(1), kernel.Float32Const(1))}},
	}
	fn := &kernel.Func{
		Name: "scale2",
		Params: []kernel.Param{
			kernel.ViewOf("in", dtypes.Float32, 1),
			kernel.ViewOf("out", dtypes.Float32, 1),
		},
		Body: []kernel.Stmt{
			kernel.Let("i", kernel.GlobalID(0)),
			kernel.StoreAt("out", []kernel.Expr{kernel.Var("i")},
				kernel.Mul(kernel.LoadAt("in", kernel.Var("i")), kernel.CallFunc("two"))),
		},
	}
	m := optimized(t, fn, two)

	require.Equal(t, 1, countOps(m.Entry, OpMul))
	for _, b := range m.Entry.Blocks {
		for _, v := range b.Instrs {
			if v.Op != OpMul {
				continue
			}
			cst := v.Args[1]
			require.Equal(t, OpConst, cst.Op)
			assert.Equal(t, float32(2), math.Float32frombits(uint32(cst.ConstBits)))
		}
	}
}

func TestBlockMergeFoldsConstantBranch(t *testing.T) {
	fn := &kernel.Func{
		Name:   "pick",
		Params: []kernel.Param{kernel.ViewOf("out", dtypes.Int32, 1)},
		Body: []kernel.Stmt{
			&kernel.If{
				Cond: kernel.BoolConst(true),
				Then: []kernel.Stmt{kernel.StoreAt("out", []kernel.Expr{kernel.Int32Const(0)}, kernel.Int32Const(1))},
				Else: []kernel.Stmt{kernel.StoreAt("out", []kernel.Expr{kernel.Int32Const(0)}, kernel.Int32Const(2))},
			},
		},
	}
	m := optimized(t, fn)
	assert.Equal(t, 1, countOps(m.Entry, OpStoreLinear))
	assert.Equal(t, 0, countOps(m.Entry, OpBranch))
	assert.Len(t, m.Entry.Blocks, 1)
}

func TestDeadCodeRemovesUnused(t *testing.T) {
	fn := &kernel.Func{
		Name: "junk",
		Params: []kernel.Param{
			kernel.ScalarOf("a", dtypes.Float32),
			kernel.ViewOf("out", dtypes.Float32, 1),
		},
		Body: []kernel.Stmt{
			kernel.Let("unused", kernel.Add(kernel.Var("a"), kernel.Var("a"))),
			kernel.StoreAt("out", []kernel.Expr{kernel.Int32Const(0)}, kernel.Var("a")),
		},
	}
	m := optimized(t, fn)
	assert.Equal(t, 0, countOps(m.Entry, OpAdd))
}

func TestViewLowerLinearizes(t *testing.T) {
	fn := &kernel.Func{
		Name: "transpose",
		Params: []kernel.Param{
			kernel.ViewOf("in", dtypes.Float32, 2),
			kernel.ViewOf("out", dtypes.Float32, 2),
		},
		Body: []kernel.Stmt{
			kernel.Let("r", kernel.GlobalID(0)),
			kernel.Let("c", kernel.GlobalID(1)),
			kernel.StoreAt("out", []kernel.Expr{kernel.Var("c"), kernel.Var("r")},
				kernel.LoadAt("in", kernel.Var("r"), kernel.Var("c"))),
		},
	}
	m := optimized(t, fn)

	f := m.Entry
	assert.Equal(t, 0, countOps(f, OpLoad))
	assert.Equal(t, 0, countOps(f, OpStore))
	assert.Equal(t, 1, countOps(f, OpLoadLinear))
	assert.Equal(t, 1, countOps(f, OpStoreLinear))
	// One stride read per rank-2 access.
	assert.Equal(t, 2, countOps(f, OpViewStride))
}

func TestSharedLowerAssignsOffsets(t *testing.T) {
	fn := &kernel.Func{
		Name:   "twoarrays",
		Params: []kernel.Param{kernel.ViewOf("out", dtypes.Float32, 1)},
		Body: []kernel.Stmt{
			&kernel.DeclShared{Name: "a", DType: dtypes.Float32, Count: kernel.Int32Const(3)},
			&kernel.DeclShared{Name: "b", DType: dtypes.Int64, Count: kernel.Int32Const(2)},
			&kernel.SharedStore{Name: "a", Index: kernel.LocalID(0), Value: kernel.Float32Const(1)},
			&kernel.Barrier{},
			kernel.StoreAt("out", []kernel.Expr{kernel.Int32Const(0)},
				&kernel.SharedLoad{Name: "a", Index: kernel.Int32Const(0)}),
		},
	}
	m := optimized(t, fn)

	f := m.Entry
	require.Len(t, f.Shared, 2)
	assert.Equal(t, int64(0), f.Shared[0].Offset)
	// 3 float32 = 12 bytes, rounded up to the 8-byte boundary.
	assert.Equal(t, int64(16), f.Shared[1].Offset)
	assert.Equal(t, int64(32), f.SharedBytes)

	assert.Equal(t, 0, countOps(f, OpSharedLoad))
	assert.Equal(t, 0, countOps(f, OpSharedStore))
	assert.Equal(t, 1, countOps(f, OpSharedLoadOff))
	assert.Equal(t, 1, countOps(f, OpSharedStoreOff))
}

func TestLICMHoistsInvariant(t *testing.T) {
	fn := &kernel.Func{
		Name: "saxpyloop",
		Params: []kernel.Param{
			kernel.ScalarOf("alpha", dtypes.Float32),
			kernel.ScalarOf("beta", dtypes.Float32),
			kernel.ScalarOf("n", dtypes.Int32),
			kernel.ViewOf("out", dtypes.Float32, 1),
		},
		Body: []kernel.Stmt{
			kernel.Loop("i", kernel.Var("n"),
				kernel.StoreAt("out", []kernel.Expr{kernel.Var("i")},
					kernel.Mul(kernel.Var("alpha"), kernel.Var("beta"))),
			),
		},
	}
	m := optimized(t, fn)

	f := m.Entry
	dom := BuildDomTree(f)
	loops := FindLoops(f, dom)
	require.Len(t, loops, 1)
	for _, b := range f.Blocks {
		for _, v := range b.Instrs {
			if v.Op == OpMul && v.Args[0].Op == OpParam {
				assert.False(t, loops[0].Blocks[v.Block], "alpha*beta left inside the loop")
			}
		}
	}
}

func TestUniformSet(t *testing.T) {
	fn := &kernel.Func{
		Name: "mix",
		Params: []kernel.Param{
			kernel.ScalarOf("n", dtypes.Int32),
			kernel.ViewOf("out", dtypes.Int32, 1),
		},
		Body: []kernel.Stmt{
			kernel.Let("u", kernel.Mul(kernel.Var("n"), kernel.Int32Const(3))),
			kernel.Let("d", kernel.Add(kernel.LocalID(0), kernel.Var("u"))),
			kernel.StoreAt("out", []kernel.Expr{kernel.Var("d")}, kernel.Var("u")),
		},
	}
	m := buildKernel(t, fn)

	uniform := UniformSet(m.Entry)
	for _, b := range m.Entry.Blocks {
		for _, v := range b.Instrs {
			switch v.Op {
			case OpMul:
				assert.True(t, uniform[v], "n*3 should be uniform")
			case OpAdd, OpLocalID:
				assert.False(t, uniform[v], "%s should be divergent", v.Op)
			}
		}
	}
}
