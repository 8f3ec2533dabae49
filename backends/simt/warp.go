// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package simt

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

// WarpWidth is the number of lanes that execute in lockstep.
const WarpWidth = 32

// viewArg is a view launch argument resolved to a span of device memory.
// mem is the owning device's arena; peered buffers keep their own.
type viewArg struct {
	mem     []byte
	base    int64 // byte offset into mem
	dtype   dtypes.DType
	rank    int
	dims    [4]int64
	strides [4]int64
	length  int64
}

// launchState is everything one launch needs, shared read-only by the
// group-executor goroutines.
type launchState struct {
	prog    *Program
	grid    backends.Dims
	views   []viewArg
	scalars []uint64
}

func (ls *launchState) run(b *Backend) error {
	eg := &errgroup.Group{}
	if limit := b.pool.Target(); limit != 0 {
		eg.SetLimit(limit)
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

// divFrame is one entry of a warp's re-convergence stack. When the running
// path reaches reconv the pending path executes; when both are through, the
// saved join mask is restored.
type divFrame struct {
	reconv      int32
	joinMask    uint32
	pendingPC   int32
	pendingMask uint32
}

// warp is 32 lanes sharing one program counter. Lanes masked out of active
// sit idle until re-convergence; retired lanes accumulate in doneMask.
type warp struct {
	first    int // linear item index of lane 0
	initial  uint32
	active   uint32
	doneMask uint32
	pc       int32
	regs     []uint64 // NumRegs x WarpWidth, lane-major per register
	stack    []divFrame

	atBarrier bool
	done      bool
}

func (w *warp) r(reg int32, lane int) *uint64 {
	return &w.regs[int(reg)*WarpWidth+lane]
}

// groupContext is the per-group execution state.
type groupContext struct {
	*launchState
	group  backends.Dims
	shared []byte
	warps  []*warp
}

func (ls *launchState) newGroupContext(group backends.Dims) *groupContext {
	items := ls.prog.GroupDims.Size()
	gc := &groupContext{
		launchState: ls,
		group:       group,
		shared:      make([]byte, ls.prog.SharedBytes),
	}
	for first := 0; first < items; first += WarpWidth {
		lanes := items - first
		if lanes > WarpWidth {
			lanes = WarpWidth
		}
		mask := uint32(1)<<lanes - 1
		if lanes == WarpWidth {
			mask = ^uint32(0)
		}
		gc.warps = append(gc.warps, &warp{
			first:   first,
			initial: mask,
			active:  mask,
			regs:    make([]uint64, ls.prog.NumRegs*WarpWidth),
		})
	}
	return gc
}

// runGroup drives the group's warps round-robin. Each warp runs until it
// retires or parks at a barrier; the barrier releases once every live warp
// has arrived.
func (ls *launchState) runGroup(group backends.Dims) error {
	gc := ls.newGroupContext(group)
	for {
		alive := false
		for _, w := range gc.warps {
			if w.done {
				continue
			}
			if !w.atBarrier {
				if err := w.exec(gc); err != nil {
					return err
				}
			}
			if !w.done {
				alive = true
			}
		}
		if !alive {
			return nil
		}
		for _, w := range gc.warps {
			if w.done {
				return errors.Errorf("kernel %q: barrier not reached by all work-items of the group",
					ls.prog.KernelName)
			}
			w.atBarrier = false
		}
	}
}

// exec runs the warp until it retires or parks at a barrier.
func (w *warp) exec(gc *groupContext) error {
	for !w.done && !w.atBarrier {
		w.joinIfReconverged()
		if w.done {
			return nil
		}
		if err := w.step(gc, &gc.prog.Instrs[w.pc]); err != nil {
			return err
		}
	}
	return nil
}

// joinIfReconverged switches to the pending path, or restores the join mask,
// whenever the program counter has reached the top frame's re-convergence
// point. Nested frames can share the point, so this loops.
func (w *warp) joinIfReconverged() {
	for len(w.stack) > 0 {
		top := &w.stack[len(w.stack)-1]
		if w.pc != top.reconv {
			return
		}
		if p := top.pendingMask &^ w.doneMask; p != 0 {
			w.active, w.pc = p, top.pendingPC
			top.pendingMask = 0
			continue
		}
		w.active = top.joinMask &^ w.doneMask
		w.stack = w.stack[:len(w.stack)-1]
		if w.active == 0 {
			w.retire()
			return
		}
	}
}

// retire unwinds the divergence stack after the active lanes exited.
func (w *warp) retire() {
	w.active = 0
	for w.active == 0 {
		if len(w.stack) == 0 {
			w.done = true
			return
		}
		top := &w.stack[len(w.stack)-1]
		if p := top.pendingMask &^ w.doneMask; p != 0 {
			w.active, w.pc = p, top.pendingPC
			top.pendingMask = 0
			return
		}
		w.active = top.joinMask &^ w.doneMask
		w.pc = top.reconv
		w.stack = w.stack[:len(w.stack)-1]
	}
}

func (w *warp) step(gc *groupContext, ins *Instr) error {
	next := w.pc + 1
	switch ins.Op {
	case NOP:

	case MOVI:
		w.eachLane(func(lane int) error {
			*w.r(ins.Rd, lane) = ins.Imm
			return nil
		})

	case MOV:
		w.eachLane(func(lane int) error {
			*w.r(ins.Rd, lane) = *w.r(ins.Ra, lane)
			return nil
		})

	case LDARG:
		w.eachLane(func(lane int) error {
			*w.r(ins.Rd, lane) = gc.scalars[ins.Arg]
			return nil
		})

	case S2R:
		w.eachLane(func(lane int) error {
			*w.r(ins.Rd, lane) = gc.special(ins.Arg, ins.Axis, w.first+lane)
			return nil
		})

	case BIN:
		if err := w.eachLane(func(lane int) error {
			out, ok := kir.EvalBinary(ins.KOp, ins.DType, *w.r(ins.Ra, lane), *w.r(ins.Rb, lane))
			if !ok {
				return errors.Errorf("kernel %q: cannot evaluate %s on %s", gc.prog.KernelName, ins.KOp, ins.DType)
			}
			*w.r(ins.Rd, lane) = out
			return nil
		}); err != nil {
			return err
		}

	case UN:
		if err := w.eachLane(func(lane int) error {
			out, ok := kir.EvalUnary(ins.KOp, ins.DType, *w.r(ins.Ra, lane))
			if !ok {
				return errors.Errorf("kernel %q: cannot evaluate %s on %s", gc.prog.KernelName, ins.KOp, ins.DType)
			}
			*w.r(ins.Rd, lane) = out
			return nil
		}); err != nil {
			return err
		}

	case CVT:
		if err := w.eachLane(func(lane int) error {
			out, ok := kir.EvalConvert(ins.DType, ins.DType2, *w.r(ins.Ra, lane))
			if !ok {
				return errors.Errorf("kernel %q: cannot convert %s to %s", gc.prog.KernelName, ins.DType, ins.DType2)
			}
			*w.r(ins.Rd, lane) = out
			return nil
		}); err != nil {
			return err
		}

	case SEL:
		w.eachLane(func(lane int) error {
			if *w.r(ins.Ra, lane) != 0 {
				*w.r(ins.Rd, lane) = *w.r(ins.Rb, lane)
			} else {
				*w.r(ins.Rd, lane) = *w.r(ins.Rc, lane)
			}
			return nil
		})

	case VDIM:
		v := &gc.views[ins.Arg]
		w.eachLane(func(lane int) error {
			*w.r(ins.Rd, lane) = uint64(v.dims[ins.Axis])
			return nil
		})

	case VSTR:
		v := &gc.views[ins.Arg]
		w.eachLane(func(lane int) error {
			*w.r(ins.Rd, lane) = uint64(v.strides[ins.Axis])
			return nil
		})

	case VLEN:
		v := &gc.views[ins.Arg]
		w.eachLane(func(lane int) error {
			*w.r(ins.Rd, lane) = uint64(v.length)
			return nil
		})

	case LDG:
		v := &gc.views[ins.Arg]
		if err := w.eachLane(func(lane int) error {
			off, err := gc.checkBounds(v, *w.r(ins.Ra, lane))
			if err != nil {
				return err
			}
			*w.r(ins.Rd, lane) = loadElement(v.mem[v.base+off:], ins.DType)
			return nil
		}); err != nil {
			return err
		}

	case STG:
		v := &gc.views[ins.Arg]
		if err := w.eachLane(func(lane int) error {
			off, err := gc.checkBounds(v, *w.r(ins.Ra, lane))
			if err != nil {
				return err
			}
			storeElement(v.mem[v.base+off:], ins.DType, *w.r(ins.Rb, lane))
			return nil
		}); err != nil {
			return err
		}

	case ATOM:
		v := &gc.views[ins.Arg]
		if err := w.eachLane(func(lane int) error {
			off, err := gc.checkBounds(v, *w.r(ins.Ra, lane))
			if err != nil {
				return err
			}
			atomicAdd(v.mem[v.base+off:], ins.DType, *w.r(ins.Rb, lane))
			return nil
		}); err != nil {
			return err
		}

	case LDS:
		if err := w.eachLane(func(lane int) error {
			off, err := gc.sharedOffset(ins, *w.r(ins.Ra, lane))
			if err != nil {
				return err
			}
			*w.r(ins.Rd, lane) = loadElement(gc.shared[off:], ins.DType)
			return nil
		}); err != nil {
			return err
		}

	case STS:
		if err := w.eachLane(func(lane int) error {
			off, err := gc.sharedOffset(ins, *w.r(ins.Ra, lane))
			if err != nil {
				return err
			}
			storeElement(gc.shared[off:], ins.DType, *w.r(ins.Rb, lane))
			return nil
		}); err != nil {
			return err
		}

	case BAR:
		if w.active != w.initial&^w.doneMask || w.doneMask != 0 {
			return errors.Errorf("kernel %q: barrier reached with divergent lanes", gc.prog.KernelName)
		}
		w.atBarrier = true

	case JMP:
		next = ins.Target

	case BRA:
		var taken uint32
		w.eachLane(func(lane int) error {
			if *w.r(ins.Ra, lane) != 0 {
				taken |= 1 << lane
			}
			return nil
		})
		switch {
		case taken == w.active:
			next = ins.Target
		case taken == 0:
			next = ins.Target2
		default:
			w.stack = append(w.stack, divFrame{
				reconv:      ins.Reconv,
				joinMask:    w.active,
				pendingPC:   ins.Target2,
				pendingMask: w.active &^ taken,
			})
			w.active = taken
			next = ins.Target
		}

	case EXIT:
		w.doneMask |= w.active
		w.retire()
		return nil
	}
	w.pc = next
	return nil
}

// eachLane applies fn to every active lane in lane order.
func (w *warp) eachLane(fn func(lane int) error) error {
	for lane := 0; lane < WarpWidth; lane++ {
		if w.active&(1<<lane) == 0 {
			continue
		}
		if err := fn(lane); err != nil {
			return err
		}
	}
	return nil
}

// localID decomposes a linear item index into its axis coordinate.
func (gc *groupContext) localID(item int, axis int32) int64 {
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

func (gc *groupContext) special(sr, axis int32, item int) uint64 {
	switch sr {
	case SRLaneID:
		return uint64(gc.localID(item, axis))
	case SRGroupID:
		return uint64(int64(gc.group.Axis(int(axis))))
	case SRGroupDim:
		return uint64(int64(gc.prog.GroupDims.Axis(int(axis))))
	default:
		return uint64(int64(gc.grid.Axis(int(axis))))
	}
}

// checkBounds validates an element index against the view and returns the
// byte offset within the view. Index registers hold sign-extended Int32.
func (gc *groupContext) checkBounds(view *viewArg, idxBits uint64) (int64, error) {
	idx := int64(int32(idxBits))
	if idx < 0 || idx >= view.length {
		return 0, errors.Errorf("kernel %q: access at index %d outside view of %d elements",
			gc.prog.KernelName, idx, view.length)
	}
	return idx * int64(view.dtype.Size()), nil
}

func (gc *groupContext) sharedOffset(ins *Instr, idxBits uint64) (int64, error) {
	off := ins.Ofs + int64(int32(idxBits))*int64(ins.DType.Size())
	if off < ins.Ofs || off+int64(ins.DType.Size()) > int64(len(gc.shared)) {
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

// atomicAdd adds a register value to one element atomically. Groups run
// concurrently, so arena atomics must be real atomics.
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
	}
}
