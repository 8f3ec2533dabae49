// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/velocore/velocore/backends"
	"github.com/velocore/velocore/backends/cqueue"
	"github.com/velocore/velocore/types/kerrors"
)

var streamSeq struct {
	sync.Mutex
	n int
}

// stream is an ordered command queue on a cpu device.
type stream struct {
	device *Device
	q      *cqueue.Queue
}

var _ backends.Stream = (*stream)(nil)

func newStream(d *Device) *stream {
	streamSeq.Lock()
	n := streamSeq.n
	streamSeq.n++
	streamSeq.Unlock()
	return &stream{device: d, q: cqueue.New(fmt.Sprintf("cpu:%d/s%d", d.ordinal, n))}
}

func (s *stream) Device() backends.Device { return s.device }

// own checks device ownership of a buffer used in this stream.
func (s *stream) own(b backends.Buffer) (*buffer, error) {
	if !s.device.accepts(b) {
		return nil, errors.Wrapf(kerrors.ErrCrossDeviceAccess,
			"buffer of device %s/%d used on %s", b.Device().Backend(), b.Device().Ordinal(), s.device.Description())
	}
	buf, ok := b.(*buffer)
	if !ok {
		return nil, errors.Wrapf(kerrors.ErrCrossDeviceAccess, "foreign buffer type %T on a cpu stream", b)
	}
	if buf.freed.Load() {
		return nil, errors.Errorf("buffer already freed")
	}
	return buf, nil
}

// CopyIn implements backends.Stream.
func (s *stream) CopyIn(dst backends.Buffer, src any) error {
	buf, err := s.own(dst)
	if err != nil {
		return err
	}
	hostBytes, err := backends.CheckTransfer(src, dst)
	if err != nil {
		return err
	}
	return s.q.Enqueue("copy-in", func() error {
		copy(buf.data, hostBytes)
		return nil
	})
}

// CopyOut implements backends.Stream.
func (s *stream) CopyOut(dst any, src backends.Buffer) error {
	buf, err := s.own(src)
	if err != nil {
		return err
	}
	hostBytes, err := backends.CheckTransfer(dst, src)
	if err != nil {
		return err
	}
	return s.q.Enqueue("copy-out", func() error {
		copy(hostBytes, buf.data)
		return nil
	})
}

// CopyBuffer implements backends.Stream.
func (s *stream) CopyBuffer(dst, src backends.Buffer) error {
	dbuf, err := s.own(dst)
	if err != nil {
		return err
	}
	sbuf, err := s.own(src)
	if err != nil {
		return err
	}
	if dbuf.dtype != sbuf.dtype || dbuf.length != sbuf.length {
		return errors.Errorf("copying %d x %s into %d x %s", sbuf.length, sbuf.dtype, dbuf.length, dbuf.dtype)
	}
	pool := s.device.backend.pool
	return s.q.Enqueue("copy-buffer", func() error {
		parallelChunks(pool, len(dbuf.data), func(lo, hi int) {
			copy(dbuf.data[lo:hi], sbuf.data[lo:hi])
		})
		return nil
	})
}

// Fill implements backends.Stream.
func (s *stream) Fill(dst backends.Buffer, value any) error {
	buf, err := s.own(dst)
	if err != nil {
		return err
	}
	bits, dtype, err := backends.ScalarBits(value)
	if err != nil {
		return err
	}
	if dtype != buf.dtype {
		return errors.Errorf("filling a %s buffer with a %s value", buf.dtype, dtype)
	}
	size := dtype.Size()
	pool := s.device.backend.pool
	return s.q.Enqueue("fill", func() error {
		parallelChunks(pool, buf.length, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				storeElement(buf.data[i*size:], dtype, bits)
			}
		})
		return nil
	})
}

// Launch implements backends.Stream. Configuration problems surface here,
// at enqueue time; only execution errors are deferred to Synchronize.
func (s *stream) Launch(k backends.Kernel, grid backends.Dims, args ...backends.Arg) error {
	handle, ok := k.(*kernel)
	if !ok || handle.device != s.device {
		return errors.Wrapf(kerrors.ErrCrossDeviceAccess, "kernel handle of another device launched on %s", s.device.Description())
	}
	meta := &handle.artifact.Meta
	if err := backends.ValidateLaunch(&s.device.caps, meta, grid, len(args)); err != nil {
		return err
	}
	ls, err := s.bindArgs(handle.prog, grid, args)
	if err != nil {
		return err
	}
	return s.q.Enqueue("launch "+meta.KernelName, func() error {
		return ls.run(s.device.backend)
	})
}

// bindArgs resolves launch arguments against the program's parameter list.
func (s *stream) bindArgs(prog *Program, grid backends.Dims, args []backends.Arg) (*launchState, error) {
	ls := &launchState{
		prog:    prog,
		grid:    grid,
		views:   make([]viewArg, len(prog.Params)),
		scalars: make([]uint64, len(prog.Params)),
	}
	for i, info := range prog.Params {
		arg := args[i]
		switch info.Kind {
		case backends.ScalarParam:
			if arg.Scalar == nil {
				return nil, errors.Wrapf(kerrors.ErrLaunchConfiguration,
					"argument %d (%s): expected a scalar", i, info.Name)
			}
			bits, dtype, err := backends.ScalarBits(arg.Scalar)
			if err != nil {
				return nil, errors.Wrapf(kerrors.ErrLaunchConfiguration, "argument %d (%s)", i, info.Name)
			}
			if dtype != info.DType {
				return nil, errors.Wrapf(kerrors.ErrLaunchConfiguration,
					"argument %d (%s): expected %s, got %s", i, info.Name, info.DType, dtype)
			}
			ls.scalars[i] = bits

		case backends.ViewParam:
			if arg.Buffer == nil {
				return nil, errors.Wrapf(kerrors.ErrLaunchConfiguration,
					"argument %d (%s): expected a buffer", i, info.Name)
			}
			buf, err := s.own(arg.Buffer)
			if err != nil {
				return nil, err
			}
			if buf.dtype != info.DType {
				return nil, errors.Wrapf(kerrors.ErrLaunchConfiguration,
					"argument %d (%s): expected a %s buffer, got %s", i, info.Name, info.DType, buf.dtype)
			}
			view, err := makeView(buf.data, buf.length, info, arg.Dims)
			if err != nil {
				return nil, errors.Wrapf(err, "argument %d (%s)", i, info.Name)
			}
			ls.views[i] = view
		}
	}
	return ls, nil
}

// makeView computes the row-major dims/strides of a view argument.
func makeView(data []byte, length int, info backends.ParamInfo, dims []int) (viewArg, error) {
	view := viewArg{data: data, dtype: info.DType, rank: info.Rank, length: int64(length)}
	if len(dims) == 0 {
		if info.Rank != 1 {
			return viewArg{}, errors.Wrapf(kerrors.ErrLaunchConfiguration,
				"rank-%d view needs explicit dims", info.Rank)
		}
		dims = []int{length}
	}
	if len(dims) != info.Rank {
		return viewArg{}, errors.Wrapf(kerrors.ErrLaunchConfiguration,
			"rank-%d view bound with %d dims", info.Rank, len(dims))
	}
	total := 1
	for a, dim := range dims {
		if dim < 1 {
			return viewArg{}, errors.Wrapf(kerrors.ErrLaunchConfiguration, "axis %d has extent %d", a, dim)
		}
		view.dims[a] = int64(dim)
		total *= dim
	}
	if total != length {
		return viewArg{}, errors.Wrapf(kerrors.ErrLaunchConfiguration,
			"dims %v cover %d elements, buffer has %d", dims, total, length)
	}
	stride := int64(1)
	for a := info.Rank - 1; a >= 0; a-- {
		view.strides[a] = stride
		stride *= view.dims[a]
	}
	return view, nil
}

// Marker implements backends.Stream.
func (s *stream) Marker() (backends.Marker, error) { return s.q.Marker() }

// WaitMarker implements backends.Stream.
func (s *stream) WaitMarker(m backends.Marker) error { return s.q.Wait(m) }

// Synchronize implements backends.Stream.
func (s *stream) Synchronize() error { return s.q.Synchronize() }

// Finalize implements backends.Stream.
func (s *stream) Finalize() error {
	err := s.q.Close()
	d := s.device
	d.mu.Lock()
	if !d.finalized {
		delete(d.streams, s)
	}
	d.mu.Unlock()
	return err
}
