// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"bytes"
	"encoding/gob"
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

// scaleFunc is the canonical test kernel: out[i] = in[i] * 2.
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

func TestBufferRoundTrip(t *testing.T) {
	_, dev := newTestBackend(t, "")
	buf := must.M1(dev.AllocateBuffer(dtypes.Int64, 100))
	s := must.M1(dev.NewStream())

	host := make([]int64, 100)
	for i := range host {
		host[i] = int64(i * i)
	}
	require.NoError(t, s.CopyIn(buf, host))
	got := make([]int64, 100)
	require.NoError(t, s.CopyOut(got, buf))
	require.NoError(t, s.Synchronize())
	assert.Equal(t, host, got)
}

func TestFillAndCopyBuffer(t *testing.T) {
	_, dev := newTestBackend(t, "")
	a := must.M1(dev.AllocateBuffer(dtypes.Float32, 512))
	bb := must.M1(dev.AllocateBuffer(dtypes.Float32, 512))
	s := must.M1(dev.NewStream())

	require.NoError(t, s.Fill(a, float32(3.5)))
	require.NoError(t, s.CopyBuffer(bb, a))
	got := make([]float32, 512)
	require.NoError(t, s.CopyOut(got, bb))
	require.NoError(t, s.Synchronize())
	for _, v := range got {
		require.Equal(t, float32(3.5), v)
	}
}

func TestBufferSlice(t *testing.T) {
	_, dev := newTestBackend(t, "")
	buf := must.M1(dev.AllocateBuffer(dtypes.Int32, 10))
	s := must.M1(dev.NewStream())
	require.NoError(t, s.CopyIn(buf, []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))

	mid := must.M1(buf.Slice(3, 4))
	assert.Equal(t, 4, mid.Len())
	got := make([]int32, 4)
	require.NoError(t, s.CopyOut(got, mid))
	require.NoError(t, s.Synchronize())
	assert.Equal(t, []int32{3, 4, 5, 6}, got)

	_, err := buf.Slice(8, 5)
	require.Error(t, err)
}

func TestOutOfMemoryLeavesAllocationsIntact(t *testing.T) {
	_, dev := newTestBackend(t, "mem=4KiB")
	keep := must.M1(dev.AllocateBuffer(dtypes.Float32, 512)) // 2 KiB

	_, err := dev.AllocateBuffer(dtypes.Float32, 1024) // 4 KiB, over budget
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrDeviceOutOfMemory), "got %v", err)

	s := must.M1(dev.NewStream())
	host := make([]float32, 512)
	host[0], host[511] = 1, 2
	require.NoError(t, s.CopyIn(keep, host))
	got := make([]float32, 512)
	require.NoError(t, s.CopyOut(got, keep))
	require.NoError(t, s.Synchronize())
	assert.Equal(t, host, got)

	// Freeing returns capacity.
	require.NoError(t, keep.Free())
	_, err = dev.AllocateBuffer(dtypes.Float32, 1024)
	require.NoError(t, err)
}

func TestCrossStreamMarker(t *testing.T) {
	b, dev := newTestBackend(t, "")
	spec := &backends.LaunchSpec{GroupDims: backends.D1(64)}
	k := must.M1(dev.LoadKernel(compile(t, b, scaleFunc(), spec)))

	const n = 256
	in := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	out := must.M1(dev.AllocateBuffer(dtypes.Float32, n))

	s1 := must.M1(dev.NewStream())
	s2 := must.M1(dev.NewStream())

	require.NoError(t, s1.Fill(in, float32(21)))
	m := must.M1(s1.Marker())

	// s2 must not read in before s1's fill completed.
	require.NoError(t, s2.WaitMarker(m))
	require.NoError(t, s2.Launch(k, backends.D1(4), backends.BufferArg(in), backends.BufferArg(out)))
	got := make([]float32, n)
	require.NoError(t, s2.CopyOut(got, out))
	require.NoError(t, s2.Synchronize())
	for _, v := range got {
		require.Equal(t, float32(42), v)
	}
}

func TestLaunchValidation(t *testing.T) {
	b, dev := newTestBackend(t, "")
	spec := &backends.LaunchSpec{GroupDims: backends.D1(64)}
	k := must.M1(dev.LoadKernel(compile(t, b, scaleFunc(), spec)))
	in := must.M1(dev.AllocateBuffer(dtypes.Float32, 64))
	out := must.M1(dev.AllocateBuffer(dtypes.Float32, 64))
	s := must.M1(dev.NewStream())

	// Wrong argument count.
	err := s.Launch(k, backends.D1(1), backends.BufferArg(in))
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrLaunchConfiguration), "got %v", err)

	// Grid outside device limits.
	err = s.Launch(k, backends.D3(1, 1<<20, 1), backends.BufferArg(in), backends.BufferArg(out))
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrLaunchConfiguration), "got %v", err)

	// Group larger than the device supports.
	big := compile(t, b, scaleFunc(), &backends.LaunchSpec{GroupDims: backends.D1(2048)})
	bigK := must.M1(dev.LoadKernel(big))
	err = s.Launch(bigK, backends.D1(1), backends.BufferArg(in), backends.BufferArg(out))
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrLaunchConfiguration), "got %v", err)
}

func TestCrossDeviceRejected(t *testing.T) {
	_, dev1 := newTestBackend(t, "")
	_, dev2 := newTestBackend(t, "")

	buf2 := must.M1(dev2.AllocateBuffer(dtypes.Float32, 16))
	s1 := must.M1(dev1.NewStream())
	err := s1.Fill(buf2, float32(0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrCrossDeviceAccess), "got %v", err)

	// After peering, the same call is legal.
	require.NoError(t, dev1.EnablePeerAccess(dev2))
	require.NoError(t, s1.Fill(buf2, float32(0)))
	require.NoError(t, s1.Synchronize())
}

// TestDivergentKernel forces the per-work-item execution path: the branch
// condition depends on the lane, so the program is not uniform.
func TestDivergentKernel(t *testing.T) {
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
	spec := &backends.LaunchSpec{GroupDims: backends.D1(32)}
	artifact := compile(t, b, fn, spec)
	prog := &Program{}
	require.NoError(t, gob.NewDecoder(bytes.NewReader(artifact.Code)).Decode(prog))
	require.False(t, prog.Uniform)
	k := must.M1(dev.LoadKernel(artifact))

	const n = 256
	in := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	out := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	host := make([]float32, n)
	for i := range host {
		host[i] = float32(i)
	}
	s := must.M1(dev.NewStream())
	require.NoError(t, s.CopyIn(in, host))
	require.NoError(t, s.Launch(k, backends.D1(8), backends.BufferArg(in), backends.BufferArg(out)))
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

func TestAtomicAddSum(t *testing.T) {
	fn := &kernelpkg.Func{
		Name: "sum",
		Params: []kernelpkg.Param{
			kernelpkg.ViewOf("in", dtypes.Int64, 1),
			kernelpkg.ViewOf("acc", dtypes.Int64, 1),
		},
		Body: []kernelpkg.Stmt{
			kernelpkg.Let("i", kernelpkg.GlobalID(0)),
			&kernelpkg.AtomicAdd{
				View:  "acc",
				Index: []kernelpkg.Expr{kernelpkg.Int32Const(0)},
				Value: kernelpkg.LoadAt("in", kernelpkg.Var("i")),
			},
		},
	}
	b, dev := newTestBackend(t, "")
	spec := &backends.LaunchSpec{GroupDims: backends.D1(64)}
	k := must.M1(dev.LoadKernel(compile(t, b, fn, spec)))

	const n = 1024
	in := must.M1(dev.AllocateBuffer(dtypes.Int64, n))
	acc := must.M1(dev.AllocateBuffer(dtypes.Int64, 1))
	host := make([]int64, n)
	var want int64
	for i := range host {
		host[i] = int64(i + 1)
		want += host[i]
	}

	s := must.M1(dev.NewStream())
	require.NoError(t, s.CopyIn(in, host))
	require.NoError(t, s.Fill(acc, int64(0)))
	require.NoError(t, s.Launch(k, backends.D1(16), backends.BufferArg(in), backends.BufferArg(acc)))
	got := make([]int64, 1)
	require.NoError(t, s.CopyOut(got, acc))
	require.NoError(t, s.Synchronize())
	assert.Equal(t, want, got[0])
}

// groupSumFunc reduces each group's 64 inputs into out[groupID] through a
// shared tile and a barrier.
func groupSumFunc() *kernelpkg.Func {
	return &kernelpkg.Func{
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
}

func TestSharedMemoryReduction(t *testing.T) {
	b, dev := newTestBackend(t, "")
	spec := &backends.LaunchSpec{GroupDims: backends.D1(64)}
	k := must.M1(dev.LoadKernel(compile(t, b, groupSumFunc(), spec)))

	const groups = 16
	const n = 64 * groups
	in := must.M1(dev.AllocateBuffer(dtypes.Float32, n))
	out := must.M1(dev.AllocateBuffer(dtypes.Float32, groups))
	host := make([]float32, n)
	for i := range host {
		host[i] = 1
	}

	s := must.M1(dev.NewStream())
	require.NoError(t, s.CopyIn(in, host))
	require.NoError(t, s.Launch(k, backends.D1(groups), backends.BufferArg(in), backends.BufferArg(out)))
	got := make([]float32, groups)
	require.NoError(t, s.CopyOut(got, out))
	require.NoError(t, s.Synchronize())
	for g, v := range got {
		require.Equal(t, float32(64), v, "group %d", g)
	}
}

// TestConstantSpecialization binds a scalar parameter at compile time; it
// disappears from the launch argument list.
func TestConstantSpecialization(t *testing.T) {
	fn := &kernelpkg.Func{
		Name: "axpy",
		Params: []kernelpkg.Param{
			kernelpkg.ScalarOf("alpha", dtypes.Float32),
			kernelpkg.ViewOf("in", dtypes.Float32, 1),
			kernelpkg.ViewOf("out", dtypes.Float32, 1),
		},
		Body: []kernelpkg.Stmt{
			kernelpkg.Let("i", kernelpkg.GlobalID(0)),
			kernelpkg.StoreAt("out", []kernelpkg.Expr{kernelpkg.Var("i")},
				kernelpkg.Mul(kernelpkg.LoadAt("in", kernelpkg.Var("i")), kernelpkg.Var("alpha"))),
		},
	}
	b, dev := newTestBackend(t, "")
	spec := &backends.LaunchSpec{
		GroupDims: backends.D1(32),
		Constants: map[string]any{"alpha": float32(3)},
	}
	artifact := compile(t, b, fn, spec)
	require.Len(t, artifact.Meta.Params, 2)
	k := must.M1(dev.LoadKernel(artifact))

	const n = 128
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
		require.Equal(t, float32(3*i), got[i])
	}
}

func TestStickyStreamError(t *testing.T) {
	b, dev := newTestBackend(t, "")
	// The kernel stores out of bounds for any launch bigger than the buffer.
	spec := &backends.LaunchSpec{GroupDims: backends.D1(64)}
	k := must.M1(dev.LoadKernel(compile(t, b, scaleFunc(), spec)))

	in := must.M1(dev.AllocateBuffer(dtypes.Float32, 32)) // too small for 64 items
	out := must.M1(dev.AllocateBuffer(dtypes.Float32, 32))
	s := must.M1(dev.NewStream())
	require.NoError(t, s.Launch(k, backends.D1(1), backends.BufferArg(in), backends.BufferArg(out)))

	err := s.Synchronize()
	require.Error(t, err)
	// The error is sticky until the stream is finalized.
	require.Error(t, s.Synchronize())
}

func TestDeviceFinalizeCascades(t *testing.T) {
	b := must.M1(New(""))
	dev := must.M1(b.Device(0))
	buf := must.M1(dev.AllocateBuffer(dtypes.Float32, 16))
	s := must.M1(dev.NewStream())
	require.NoError(t, s.Synchronize())

	require.NoError(t, b.Finalize())
	_, err := dev.AllocateBuffer(dtypes.Float32, 16)
	require.Error(t, err)
	_, err = buf.Slice(0, 8)
	require.Error(t, err)
}
