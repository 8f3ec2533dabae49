// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/velocore/velocore/backends"
	"github.com/velocore/velocore/kernel"
	"github.com/velocore/velocore/types/dtypes"
)

// transcendentalFunc mixes arithmetic, intrinsics, divergent control flow and
// a loop, so the two backends walk genuinely different execution paths.
func transcendentalFunc() *kernel.Func {
	return &kernel.Func{
		Name: "mix",
		Params: []kernel.Param{
			kernel.ViewOf("in", dtypes.Float32, 1),
			kernel.ViewOf("out", dtypes.Float32, 1),
		},
		Body: []kernel.Stmt{
			kernel.Let("i", kernel.GlobalID(0)),
			kernel.Let("x", kernel.LoadAt("in", kernel.Var("i"))),
			kernel.Let("y", kernel.Sqrt(kernel.Add(kernel.Var("x"), kernel.Float32Const(1)))),
			&kernel.If{
				Cond: kernel.Eq(kernel.Rem(kernel.Var("i"), kernel.Int32Const(3)), kernel.Int32Const(0)),
				Then: []kernel.Stmt{
					kernel.Let("y", kernel.Exp(kernel.Mul(kernel.Var("y"), kernel.Float32Const(0.25)))),
				},
				Else: []kernel.Stmt{
					kernel.Let("y", kernel.Log(kernel.Add(kernel.Var("y"), kernel.Float32Const(2)))),
				},
			},
			kernel.Loop("k", kernel.Int32Const(4),
				kernel.Let("y", kernel.Add(kernel.Var("y"), kernel.Mul(kernel.Var("x"), kernel.Float32Const(0.125))))),
			kernel.StoreAt("out", []kernel.Expr{kernel.Var("i")}, kernel.Var("y")),
		},
	}
}

// runOn compiles and executes the kernel on one backend, returning the
// result for n inputs host[0:n].
func runOn(t *testing.T, c *Context, config string, fn *kernel.Func, host []float32) []float32 {
	t.Helper()
	b := must.M1(c.Backend(config))
	dev := must.M1(b.Device(0))
	sig := signatureOf(t, fn)
	spec := &backends.LaunchSpec{GroupDims: backends.D1(64)}
	k := must.M1(c.CompileAndLoad(dev, b, sig, spec))

	n := len(host)
	in := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	out := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	s := must.M1(dev.NewStream())
	require.NoError(t, s.CopyIn(in, host))
	require.NoError(t, s.Launch(k, backends.D1(n/64), backends.BufferArg(in), backends.BufferArg(out)))
	got := make([]float32, n)
	require.NoError(t, s.CopyOut(got, out))
	require.NoError(t, s.Synchronize())
	return got
}

// TestCrossBackendEquivalence runs the same kernel on the cpu and simt
// backends and compares within the devices' documented tolerance.
func TestCrossBackendEquivalence(t *testing.T) {
	c := newTestContext(t, Options{})
	const n = 1024
	host := make([]float32, n)
	for i := range host {
		host[i] = float32(i) * 0.01
	}

	fn := transcendentalFunc()
	gotCPU := runOn(t, c, "cpu", fn, host)
	gotSIMT := runOn(t, c, "simt", fn, host)

	tol := 1e-6
	for _, config := range []string{"cpu", "simt"} {
		b := must.M1(c.Backend(config))
		dev := must.M1(b.Device(0))
		if dt := dev.Capabilities().EquivalenceTolerance; dt > tol {
			tol = dt
		}
	}

	a := make([]float64, n)
	bb := make([]float64, n)
	for i := range gotCPU {
		a[i] = float64(gotCPU[i])
		bb[i] = float64(gotSIMT[i])
	}
	require.True(t, floats.EqualApprox(a, bb, tol),
		"cpu and simt diverge beyond %g", tol)
}
