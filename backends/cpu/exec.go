// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/velocore/velocore/backends"
	"github.com/velocore/velocore/kir"
	"github.com/velocore/velocore/types/dtypes"
)

// viewArg is a view launch argument resolved to host memory.
type viewArg struct {
	data    []byte
	dtype   dtypes.DType
	rank    int
	dims    [4]int64
	strides [4]int64
	length  int64
}

// launchState is everything one launch needs, shared read-only by the
// group-executor goroutines.
type launchState struct {
	prog  *Program
	grid  backends.Dims
	views []viewArg
	// scalars holds the bit pattern of every scalar argument, indexed
	// like Params (view slots are zero).
	scalars []uint64
}

// run executes the whole grid, one goroutine per group bounded by the
// backend's worker pool.
func (ls *launchState) run(b *Backend) error {
	eg := &errgroup.Group{}
	if limit := b.pool.Target(); limit != 0 {
		eg.SetLimit(limit) // negative means unlimited, matching the pool
	} else {
		eg.SetLimit(1)
	}
	for gz := 0; gz < ls.grid.Z; gz++ {
		for gy := 0; gy < ls.grid.Y; gy++ {
			for gx := 0; gx < ls.grid.X; gx++ {
				group := backends.D3(gx, gy, gz)
				eg.Go(func() error {
					return ls.runGroup(group)
				})
			}
		}
	}
	return eg.Wait()
}

func (ls *launchState) runGroup(group backends.Dims) error {
	if ls.prog.Uniform {
		return ls.runGroupLanes(group)
	}
	return ls.runGroupScalar(group)
}

// groupContext is the per-group execution state.
type groupContext struct {
	*launchState
	group  backends.Dims // this group's coordinates
	shared []byte
	items  int
}

func (ls *launchState) newGroupContext(group backends.Dims) *groupContext {
	return &groupContext{
		launchState: ls,
		group:       group,
		shared:      make([]byte, ls.prog.SharedBytes),
		items:       ls.prog.GroupDims.Size(),
	}
}

// localID decomposes a linear item index into its axis coordinate.
func (gc *groupContext) localID(item int, axis int64) int64 {
	gd := gc.prog.GroupDims
	switch axis {
	case 0:
		return int64(item % gd.X)
	case 1:
		return int64(item / gd.X % gd.Y)
	default:
		return int64(item / (gd.X * gd.Y))
	}
}

func (gc *groupContext) intrinsic(which, axis int64, item int) uint64 {
	switch which {
	case IntrLocalID:
		return uint64(gc.localID(item, axis))
	case IntrGroupID:
		return uint64(int64(gc.group.Axis(int(axis))))
	case IntrGroupDim:
		return uint64(int64(gc.prog.GroupDims.Axis(int(axis))))
	default:
		return uint64(int64(gc.grid.Axis(int(axis))))
	}
}

// runGroupLanes executes the group in lockstep: one program counter, every
// instruction applied to all work-items (lanes) before the next. Uniform
// control flow makes barriers free, they are already instruction-level
// joins.
func (ls *launchState) runGroupLanes(group backends.Dims) error {
	gc := ls.newGroupContext(group)
	lanes := gc.items
	regs := make([]uint64, ls.prog.NumRegs*lanes)
	lane := func(r int32) []uint64 { return regs[int(r)*lanes : (int(r)+1)*lanes] }

	pc := 0
	for pc < len(ls.prog.Instrs) {
		ins := &ls.prog.Instrs[pc]
		switch ins.Op {
		case OpJump:
			pc = int(ins.Target)
			continue
		case OpBranch:
			// Uniform condition: lane 0 speaks for the group.
			if lane(ins.A)[0] != 0 {
				pc = int(ins.Target)
			} else {
				pc = int(ins.Target2)
			}
			continue
		case OpReturn:
			return nil
		case OpBarrier:
			pc++
			continue
		}
		for item := 0; item < lanes; item++ {
			if err := gc.step(ins, item, func(r int32) *uint64 { return &lane(r)[item] }); err != nil {
				return err
			}
		}
		pc++
	}
	return nil
}

// runGroupScalar executes work-items one at a time, suspending each at
// barriers and resuming the whole group once every item arrived. This is
// the general path for divergent control flow.
func (ls *launchState) runGroupScalar(group backends.Dims) error {
	gc := ls.newGroupContext(group)
	type itemState struct {
		pc   int
		regs []uint64
		done bool
	}
	items := make([]itemState, gc.items)
	for i := range items {
		items[i].regs = make([]uint64, ls.prog.NumRegs)
	}

	remaining := gc.items
	for remaining > 0 {
		arrived := 0
		for i := range items {
			it := &items[i]
			if it.done {
				continue
			}
			reg := func(r int32) *uint64 { return &it.regs[r] }
		itemLoop:
			for {
				ins := &ls.prog.Instrs[it.pc]
				switch ins.Op {
				case OpJump:
					it.pc = int(ins.Target)
				case OpBranch:
					if it.regs[ins.A] != 0 {
						it.pc = int(ins.Target)
					} else {
						it.pc = int(ins.Target2)
					}
				case OpReturn:
					it.done = true
					remaining--
					break itemLoop
				case OpBarrier:
					it.pc++ // resume past the barrier next round
					arrived++
					break itemLoop
				default:
					if err := gc.step(ins, i, reg); err != nil {
						return err
					}
					it.pc++
				}
			}
		}
		if arrived != 0 && arrived != remaining {
			// The IR builder only admits group-uniform barriers, so a
			// partial arrival means the program is corrupt.
			return errors.Errorf("kernel %q: %d of %d work-items reached a barrier", ls.prog.KernelName, arrived, remaining)
		}
	}
	return nil
}

// step executes one non-control instruction for one work-item.
func (gc *groupContext) step(ins *Instr, item int, reg func(int32) *uint64) error {
	switch ins.Op {
	case OpNop:
	case OpConst:
		*reg(ins.Dst) = ins.Imm
	case OpCopy:
		*reg(ins.Dst) = *reg(ins.A)
	case OpParam:
		*reg(ins.Dst) = gc.scalars[ins.Aux]
	case OpIntrinsic:
		*reg(ins.Dst) = gc.intrinsic(ins.Aux, ins.Aux2, item)

	case OpBinary:
		r, ok := kir.EvalBinary(ins.KOp, ins.DType, *reg(ins.A), *reg(ins.B))
		if !ok {
			return errors.Errorf("kernel %q: %s.%s trapped (division by zero?)", gc.prog.KernelName, ins.KOp, ins.DType)
		}
		*reg(ins.Dst) = r
	case OpUnary:
		r, ok := kir.EvalUnary(ins.KOp, ins.DType, *reg(ins.A))
		if !ok {
			return errors.Errorf("kernel %q: %s.%s trapped", gc.prog.KernelName, ins.KOp, ins.DType)
		}
		*reg(ins.Dst) = r
	case OpConvert:
		r, ok := kir.EvalConvert(ins.DType, ins.DType2, *reg(ins.A))
		if !ok {
			return errors.Errorf("kernel %q: conversion %s->%s trapped", gc.prog.KernelName, ins.DType, ins.DType2)
		}
		*reg(ins.Dst) = r
	case OpSelect:
		if *reg(ins.A) != 0 {
			*reg(ins.Dst) = *reg(ins.B)
		} else {
			*reg(ins.Dst) = *reg(ins.C)
		}

	case OpViewDim:
		*reg(ins.Dst) = uint64(gc.views[ins.Aux].dims[ins.Aux2])
	case OpViewStride:
		*reg(ins.Dst) = uint64(gc.views[ins.Aux].strides[ins.Aux2])
	case OpViewLen:
		*reg(ins.Dst) = uint64(gc.views[ins.Aux].length)

	case OpLoad:
		view := &gc.views[ins.Aux]
		off, err := gc.checkBounds(view, *reg(ins.A))
		if err != nil {
			return err
		}
		*reg(ins.Dst) = loadElement(view.data[off:], view.dtype)
	case OpStore:
		view := &gc.views[ins.Aux]
		off, err := gc.checkBounds(view, *reg(ins.A))
		if err != nil {
			return err
		}
		storeElement(view.data[off:], view.dtype, *reg(ins.B))
	case OpAtomicAdd:
		view := &gc.views[ins.Aux]
		off, err := gc.checkBounds(view, *reg(ins.A))
		if err != nil {
			return err
		}
		atomicAdd(view.data[off:], view.dtype, *reg(ins.B))

	case OpSharedLoad:
		off, err := gc.sharedOffset(ins, *reg(ins.A))
		if err != nil {
			return err
		}
		*reg(ins.Dst) = loadElement(gc.shared[off:], ins.DType)
	case OpSharedStore:
		off, err := gc.sharedOffset(ins, *reg(ins.A))
		if err != nil {
			return err
		}
		storeElement(gc.shared[off:], ins.DType, *reg(ins.B))
	}
	return nil
}

// checkBounds validates an element index against the view and returns the
// byte offset. Index registers hold sign-extended Int32.
func (gc *groupContext) checkBounds(view *viewArg, idxBits uint64) (int64, error) {
	idx := int64(int32(idxBits))
	if idx < 0 || idx >= view.length {
		return 0, errors.Errorf("kernel %q: access at index %d outside view of %d elements",
			gc.prog.KernelName, idx, view.length)
	}
	return idx * int64(view.dtype.Size()), nil
}

func (gc *groupContext) sharedOffset(ins *Instr, idxBits uint64) (int64, error) {
	off := ins.Aux + int64(int32(idxBits))*int64(ins.DType.Size())
	if off < ins.Aux || off+int64(ins.DType.Size()) > int64(len(gc.shared)) {
		return 0, errors.Errorf("kernel %q: shared access at byte %d outside the %d-byte segment",
			gc.prog.KernelName, off, len(gc.shared))
	}
	return off, nil
}

// loadElement widens one element to the 64-bit register convention.
func loadElement(data []byte, dtype dtypes.DType) uint64 {
	switch dtype {
	case dtypes.Bool:
		if data[0] != 0 {
			return 1
		}
		return 0
	case dtypes.Float16:
		return uint64(*(*uint16)(unsafe.Pointer(&data[0])))
	case dtypes.Int32:
		return uint64(int64(*(*int32)(unsafe.Pointer(&data[0]))))
	case dtypes.Uint32, dtypes.Float32:
		return uint64(*(*uint32)(unsafe.Pointer(&data[0])))
	default:
		return *(*uint64)(unsafe.Pointer(&data[0]))
	}
}

// storeElement narrows a register back to the element width.
func storeElement(data []byte, dtype dtypes.DType, bits uint64) {
	switch dtype {
	case dtypes.Bool:
		if bits != 0 {
			data[0] = 1
		} else {
			data[0] = 0
		}
	case dtypes.Float16:
		*(*uint16)(unsafe.Pointer(&data[0])) = uint16(bits)
	case dtypes.Int32, dtypes.Uint32, dtypes.Float32:
		*(*uint32)(unsafe.Pointer(&data[0])) = uint32(bits)
	default:
		*(*uint64)(unsafe.Pointer(&data[0])) = bits
	}
}

// atomicAdd adds a register value to one element atomically. Integer adds
// map to sync/atomic directly; float adds are compare-and-swap loops.
func atomicAdd(data []byte, dtype dtypes.DType, bits uint64) {
	switch dtype {
	case dtypes.Int32, dtypes.Uint32:
		atomic.AddUint32((*uint32)(unsafe.Pointer(&data[0])), uint32(bits))
	case dtypes.Int64, dtypes.Uint64:
		atomic.AddUint64((*uint64)(unsafe.Pointer(&data[0])), bits)
	case dtypes.Float32:
		p := (*uint32)(unsafe.Pointer(&data[0]))
		for {
			old := atomic.LoadUint32(p)
			next := math.Float32bits(math.Float32frombits(old) + math.Float32frombits(uint32(bits)))
			if atomic.CompareAndSwapUint32(p, old, next) {
				return
			}
		}
	case dtypes.Float64:
		p := (*uint64)(unsafe.Pointer(&data[0]))
		for {
			old := atomic.LoadUint64(p)
			next := math.Float64bits(math.Float64frombits(old) + math.Float64frombits(bits))
			if atomic.CompareAndSwapUint64(p, old, next) {
				return
			}
		}
	}
}
