// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package simt

import (
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocore/velocore/backends"
	kernelpkg "github.com/velocore/velocore/kernel"
	"github.com/velocore/velocore/kir"
	"github.com/velocore/velocore/types/dtypes"
	"github.com/velocore/velocore/types/kerrors"
)

func scaleFunc() *kernelpkg.Func {
	return &kernelpkg.Func{
		Name: "scale",
		Params: []kernelpkg.Param{
			kernelpkg.ViewOf("in", dtypes.Float32, 1),
			kernelpkg.ViewOf("out", dtypes.Float32, 1),
		},
		Body: []kernelpkg.Stmt{
			kernelpkg.Let("i", kernelpkg.GlobalID(0)),
			kernelpkg.StoreAt("out", []kernelpkg.Expr{kernelpkg.Var("i")},
				kernelpkg.Mul(kernelpkg.LoadAt("in", kernelpkg.Var("i")), kernelpkg.Float32Const(2))),
		},
	}
}

func compile(t *testing.T, b backends.Backend, fn *kernelpkg.Func, spec *backends.LaunchSpec) *backends.Artifact {
	t.Helper()
	lib := kernelpkg.NewLibrary(fn)
	sig := must.M1(kernelpkg.NewSignature(lib, fn))
	m, err := kir.Build(sig, spec.Constants)
	require.NoError(t, err)
	kir.Optimize(m, kir.PipelineOptions{})
	artifact, err := b.Generate(m, spec)
	require.NoError(t, err)
	return artifact
}

func newTestBackend(t *testing.T, options string) (backends.Backend, backends.Device) {
	t.Helper()
	b := must.M1(New(options))
	t.Cleanup(func() { _ = b.Finalize() })
	dev := must.M1(b.Device(0))
	return b, dev
}

func TestScaleKernel(t *testing.T) {
	b, dev := newTestBackend(t, "")
	spec := &backends.LaunchSpec{GroupDims: backends.D1(64)}
	k := must.M1(dev.LoadKernel(compile(t, b, scaleFunc(), spec)))

	const n = 1024
	in := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	out := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	host := make([]float32, n)
	for i := range host {
		host[i] = float32(i)
	}

	s := must.M1(dev.NewStream())
	require.NoError(t, s.CopyIn(in, host))
	require.NoError(t, s.Launch(k, backends.D1(16), backends.BufferArg(in), backends.BufferArg(out)))
	got := make([]float32, n)
	require.NoError(t, s.CopyOut(got, out))
	require.NoError(t, s.Synchronize())

	for i := range got {
		require.Equal(t, float32(2*i), got[i], "element %d", i)
	}
}

// TestPartialWarp covers group sizes that do not fill the last warp.
func TestPartialWarp(t *testing.T) {
	b, dev := newTestBackend(t, "")
	spec := &backends.LaunchSpec{GroupDims: backends.D1(100)}
	k := must.M1(dev.LoadKernel(compile(t, b, scaleFunc(), spec)))

	const n = 200
	in := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	out := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	host := make([]float32, n)
	for i := range host {
		host[i] = float32(i)
	}
	s := must.M1(dev.NewStream())
	require.NoError(t, s.CopyIn(in, host))
	require.NoError(t, s.Launch(k, backends.D1(2), backends.BufferArg(in), backends.BufferArg(out)))
	got := make([]float32, n)
	require.NoError(t, s.CopyOut(got, out))
	require.NoError(t, s.Synchronize())
	for i := range got {
		require.Equal(t, float32(2*i), got[i], "element %d", i)
	}
}

// TestWarpDivergence exercises the re-convergence stack: odd and even lanes
// take different branches and must still all write their element.
func TestWarpDivergence(t *testing.T) {
	fn := &kernelpkg.Func{
		Name: "evenodd",
		Params: []kernelpkg.Param{
			kernelpkg.ViewOf("in", dtypes.Float32, 1),
			kernelpkg.ViewOf("out", dtypes.Float32, 1),
		},
		Body: []kernelpkg.Stmt{
			kernelpkg.Let("i", kernelpkg.GlobalID(0)),
			&kernelpkg.If{
				Cond: kernelpkg.Eq(kernelpkg.Rem(kernelpkg.Var("i"), kernelpkg.Int32Const(2)), kernelpkg.Int32Const(0)),
				Then: []kernelpkg.Stmt{
					kernelpkg.StoreAt("out", []kernelpkg.Expr{kernelpkg.Var("i")},
						kernelpkg.Mul(kernelpkg.LoadAt("in", kernelpkg.Var("i")), kernelpkg.Float32Const(2))),
				},
				Else: []kernelpkg.Stmt{
					kernelpkg.StoreAt("out", []kernelpkg.Expr{kernelpkg.Var("i")},
						kernelpkg.Add(kernelpkg.LoadAt("in", kernelpkg.Var("i")), kernelpkg.Float32Const(1))),
				},
			},
		},
	}
	b, dev := newTestBackend(t, "")
	spec := &backends.LaunchSpec{GroupDims: backends.D1(64)}
	k := must.M1(dev.LoadKernel(compile(t, b, fn, spec)))

	const n = 256
	in := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	out := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	host := make([]float32, n)
	for i := range host {
		host[i] = float32(i)
	}
	s := must.M1(dev.NewStream())
	require.NoError(t, s.CopyIn(in, host))
	require.NoError(t, s.Launch(k, backends.D1(4), backends.BufferArg(in), backends.BufferArg(out)))
	got := make([]float32, n)
	require.NoError(t, s.CopyOut(got, out))
	require.NoError(t, s.Synchronize())
	for i := range got {
		want := float32(i) + 1
		if i%2 == 0 {
			want = float32(2 * i)
		}
		require.Equal(t, want, got[i], "element %d", i)
	}
}

// TestDivergentLoop makes lanes run a different number of iterations: the
// loop bound comes from the lane index via Min against a constant bound.
func TestDivergentLoop(t *testing.T) {
	// out[i] = sum of in[i] added (i%8) times.
	fn := &kernelpkg.Func{
		Name: "ragged",
		Params: []kernelpkg.Param{
			kernelpkg.ViewOf("in", dtypes.Float32, 1),
			kernelpkg.ViewOf("out", dtypes.Float32, 1),
		},
		Body: []kernelpkg.Stmt{
			kernelpkg.Let("i", kernelpkg.GlobalID(0)),
			kernelpkg.Let("sum", kernelpkg.Float32Const(0)),
			kernelpkg.Loop("k", kernelpkg.Int32Const(8),
				&kernelpkg.If{
					Cond: kernelpkg.Lt(kernelpkg.Var("k"), kernelpkg.Rem(kernelpkg.Var("i"), kernelpkg.Int32Const(8))),
					Then: []kernelpkg.Stmt{
						kernelpkg.Let("sum", kernelpkg.Add(kernelpkg.Var("sum"), kernelpkg.LoadAt("in", kernelpkg.Var("i")))),
					},
				}),
			kernelpkg.StoreAt("out", []kernelpkg.Expr{kernelpkg.Var("i")}, kernelpkg.Var("sum")),
		},
	}
	b, dev := newTestBackend(t, "")
	spec := &backends.LaunchSpec{GroupDims: backends.D1(32)}
	k := must.M1(dev.LoadKernel(compile(t, b, fn, spec)))

	const n = 64
	in := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	out := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	host := make([]float32, n)
	for i := range host {
		host[i] = 1
	}
	s := must.M1(dev.NewStream())
	require.NoError(t, s.CopyIn(in, host))
	require.NoError(t, s.Launch(k, backends.D1(2), backends.BufferArg(in), backends.BufferArg(out)))
	got := make([]float32, n)
	require.NoError(t, s.CopyOut(got, out))
	require.NoError(t, s.Synchronize())
	for i := range got {
		require.Equal(t, float32(i%8), got[i], "element %d", i)
	}
}

func TestSharedMemoryReduction(t *testing.T) {
	fn := &kernelpkg.Func{
		Name: "groupsum",
		Params: []kernelpkg.Param{
			kernelpkg.ViewOf("in", dtypes.Float32, 1),
			kernelpkg.ViewOf("out", dtypes.Float32, 1),
		},
		Body: []kernelpkg.Stmt{
			&kernelpkg.DeclShared{Name: "tile", DType: dtypes.Float32, Count: kernelpkg.Int32Const(64)},
			kernelpkg.Let("lid", kernelpkg.LocalID(0)),
			&kernelpkg.SharedStore{Name: "tile", Index: kernelpkg.Var("lid"),
				Value: kernelpkg.LoadAt("in", kernelpkg.GlobalID(0))},
			&kernelpkg.Barrier{},
			&kernelpkg.If{
				Cond: kernelpkg.Eq(kernelpkg.Var("lid"), kernelpkg.Int32Const(0)),
				Then: []kernelpkg.Stmt{
					kernelpkg.Let("sum", kernelpkg.Float32Const(0)),
					kernelpkg.Loop("k", kernelpkg.Int32Const(64),
						kernelpkg.Let("sum", kernelpkg.Add(kernelpkg.Var("sum"),
							&kernelpkg.SharedLoad{Name: "tile", Index: kernelpkg.Var("k")}))),
					kernelpkg.StoreAt("out", []kernelpkg.Expr{kernelpkg.GroupID(0)}, kernelpkg.Var("sum")),
				},
			},
		},
	}
	b, dev := newTestBackend(t, "")
	spec := &backends.LaunchSpec{GroupDims: backends.D1(64)}
	k := must.M1(dev.LoadKernel(compile(t, b, fn, spec)))

	const groups = 8
	const n = 64 * groups
	in := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	out := must.M1(dev.AllocateBuffer(dtypes.Float32, groups))
	host := make([]float32, n)
	for i := range host {
		host[i] = float32(i % 7)
	}
	var want [groups]float32
	for i, v := range host {
		want[i/64] += v
	}

	s := must.M1(dev.NewStream())
	require.NoError(t, s.CopyIn(in, host))
	require.NoError(t, s.Launch(k, backends.D1(groups), backends.BufferArg(in), backends.BufferArg(out)))
	got := make([]float32, groups)
	require.NoError(t, s.CopyOut(got, out))
	require.NoError(t, s.Synchronize())
	for g := range got {
		require.Equal(t, want[g], got[g], "group %d", g)
	}
}

func TestFloat64Rejected(t *testing.T) {
	fn := &kernelpkg.Func{
		Name: "dscale",
		Params: []kernelpkg.Param{
			kernelpkg.ViewOf("in", dtypes.Float64, 1),
			kernelpkg.ViewOf("out", dtypes.Float64, 1),
		},
		Body: []kernelpkg.Stmt{
			kernelpkg.Let("i", kernelpkg.GlobalID(0)),
			kernelpkg.StoreAt("out", []kernelpkg.Expr{kernelpkg.Var("i")},
				kernelpkg.Mul(kernelpkg.LoadAt("in", kernelpkg.Var("i")), kernelpkg.Float64Const(2))),
		},
	}
	b, dev := newTestBackend(t, "")
	lib := kernelpkg.NewLibrary(fn)
	sig := must.M1(kernelpkg.NewSignature(lib, fn))
	m, err := kir.Build(sig, nil)
	require.NoError(t, err)
	kir.Optimize(m, kir.PipelineOptions{})

	_, err = b.Generate(m, &backends.LaunchSpec{GroupDims: backends.D1(32)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrBackendUnsupported), "got %v", err)

	_, err = dev.AllocateBuffer(dtypes.Float64, 16)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrBackendUnsupported), "got %v", err)
}

func TestDisassembly(t *testing.T) {
	b, _ := newTestBackend(t, "")
	spec := &backends.LaunchSpec{GroupDims: backends.D1(64)}
	artifact := compile(t, b, scaleFunc(), spec)

	prog, err := generate(mustModule(t, scaleFunc(), spec), spec)
	require.NoError(t, err)
	asm := prog.Disassemble()
	assert.Contains(t, asm, "LDG")
	assert.Contains(t, asm, "STG")
	assert.Contains(t, asm, "EXIT")
	assert.NotEmpty(t, artifact.Code)
}

func mustModule(t *testing.T, fn *kernelpkg.Func, spec *backends.LaunchSpec) *kir.Module {
	t.Helper()
	lib := kernelpkg.NewLibrary(fn)
	sig := must.M1(kernelpkg.NewSignature(lib, fn))
	m, err := kir.Build(sig, spec.Constants)
	require.NoError(t, err)
	kir.Optimize(m, kir.PipelineOptions{})
	return m
}

func TestReconvergencePoints(t *testing.T) {
	fn := &kernelpkg.Func{
		Name: "branchy",
		Params: []kernelpkg.Param{
			kernelpkg.ViewOf("out", dtypes.Float32, 1),
		},
		Body: []kernelpkg.Stmt{
			kernelpkg.Let("i", kernelpkg.GlobalID(0)),
			kernelpkg.Let("v", kernelpkg.Float32Const(1)),
			&kernelpkg.If{
				Cond: kernelpkg.Lt(kernelpkg.Var("i"), kernelpkg.Int32Const(16)),
				Then: []kernelpkg.Stmt{kernelpkg.Let("v", kernelpkg.Float32Const(2))},
				Else: []kernelpkg.Stmt{kernelpkg.Let("v", kernelpkg.Float32Const(3))},
			},
			kernelpkg.StoreAt("out", []kernelpkg.Expr{kernelpkg.Var("i")}, kernelpkg.Var("v")),
		},
	}
	spec := &backends.LaunchSpec{GroupDims: backends.D1(32)}
	prog, err := generate(mustModule(t, fn, spec), spec)
	require.NoError(t, err)

	// Every BRA must carry a valid re-convergence pc.
	sawBranch := false
	for _, ins := range prog.Instrs {
		if ins.Op == BRA {
			sawBranch = true
			assert.GreaterOrEqual(t, ins.Reconv, int32(0))
			assert.Less(t, int(ins.Reconv), len(prog.Instrs))
		}
	}
	require.True(t, sawBranch, "expected a BRA in:\n%s", prog.Disassemble())
	require.True(t, strings.Contains(prog.Disassemble(), "reconv"))
}

func TestArenaReclaim(t *testing.T) {
	_, dev := newTestBackend(t, "mem=64KiB")

	// Fill the arena, free the middle, and reallocate into the hole.
	var bufs []backends.Buffer
	for i := 0; i < 4; i++ {
		buf, err := dev.AllocateBuffer(dtypes.Float32, 4096) // 16 KiB each
		require.NoError(t, err)
		bufs = append(bufs, buf)
	}
	_, err := dev.AllocateBuffer(dtypes.Float32, 64)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrDeviceOutOfMemory), "got %v", err)

	require.NoError(t, bufs[1].Free())
	require.NoError(t, bufs[2].Free())
	big, err := dev.AllocateBuffer(dtypes.Float32, 8192) // 32 KiB, needs coalescing
	require.NoError(t, err)
	require.NoError(t, big.Free())
}

func TestMultiDevice(t *testing.T) {
	b := must.M1(New("devices=2,mem=1MiB"))
	t.Cleanup(func() { _ = b.Finalize() })
	require.Equal(t, 2, b.NumDevices())
	d0 := must.M1(b.Device(0))
	d1 := must.M1(b.Device(1))

	buf1 := must.M1(d1.AllocateBuffer(dtypes.Float32, 16))
	s0 := must.M1(d0.NewStream())
	err := s0.Fill(buf1, float32(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrCrossDeviceAccess), "got %v", err)
}
