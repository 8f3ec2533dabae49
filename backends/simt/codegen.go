// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package simt

import (
	"github.com/pkg/errors"

	"github.com/velocore/velocore/backends"
	"github.com/velocore/velocore/kir"
	"github.com/velocore/velocore/types/dtypes"
	"github.com/velocore/velocore/types/kerrors"
)

// generate lowers an optimized IR module to a SIMT instruction stream.
// Every branch is annotated with its re-convergence point, the start of the
// branch block's immediate post-dominator; the warp executor relies on it to
// restore the active mask after divergence.
func generate(m *kir.Module, spec *backends.LaunchSpec) (*Program, error) {
	f := m.Entry
	g := &codegen{
		f:     f,
		regs:  make(map[*kir.Value]int32),
		ipdom: postdominators(f),
		prog: &Program{
			KernelName:  m.Name,
			GroupDims:   spec.GroupDims,
			SharedBytes: f.SharedBytes,
		},
	}
	if err := g.run(); err != nil {
		return nil, err
	}
	return g.prog, nil
}

type codegen struct {
	f    *kir.Func
	prog *Program

	regs    map[*kir.Value]int32
	nextReg int32

	ipdom   map[*kir.Block]*kir.Block
	blockPC map[*kir.Block]int32
}

func (g *codegen) run() error {
	f := g.f
	order := kir.ReversePostorder(f)

	viewIndex := make(map[*kir.Value]int32)
	for i, p := range f.Params {
		info := backends.ParamInfo{Name: p.AuxStr, DType: p.Type.DType}
		if p.Type.DType == dtypes.Float64 {
			return errors.Wrapf(kerrors.ErrBackendUnsupported,
				"kernel %q: the simt device has no Float64 unit (parameter %q)", g.prog.KernelName, p.AuxStr)
		}
		if p.Type.IsView() {
			info.Kind = backends.ViewParam
			info.Rank = int(p.Type.Rank)
			viewIndex[p] = int32(i)
		} else {
			info.Kind = backends.ScalarParam
			g.emit(Instr{Op: LDARG, Rd: g.reg(p), Arg: int32(i)})
		}
		g.prog.Params = append(g.prog.Params, info)
	}

	type pendingEdge struct {
		patchPC int32
		second  bool
		from    *kir.Block
		to      *kir.Block
	}
	var edges []pendingEdge
	g.blockPC = make(map[*kir.Block]int32, len(order))

	for _, b := range order {
		g.blockPC[b] = int32(len(g.prog.Instrs))
		for _, phi := range b.Phis {
			g.reg(phi)
		}
		for _, v := range b.Instrs {
			if err := g.emitValue(v, viewIndex); err != nil {
				return err
			}
		}
		switch b.Term.Op {
		case kir.OpReturn:
			g.emit(Instr{Op: EXIT})
		case kir.OpJump:
			pc := int32(len(g.prog.Instrs))
			g.emit(Instr{Op: JMP})
			edges = append(edges, pendingEdge{patchPC: pc, from: b, to: b.Succs[0]})
		case kir.OpBranch:
			pc := int32(len(g.prog.Instrs))
			g.emit(Instr{Op: BRA, Ra: g.use(b.Term.Args[0]), Reconv: -1})
			edges = append(edges, pendingEdge{patchPC: pc, from: b, to: b.Succs[0]})
			edges = append(edges, pendingEdge{patchPC: pc, second: true, from: b, to: b.Succs[1]})
		}
	}

	// Resolve edges; edges into phi blocks go through a trampoline with
	// the parallel copies (temporaries first, then the phi registers).
	for _, e := range edges {
		target := g.blockPC[e.to]
		if len(e.to.Phis) > 0 {
			predIdx := -1
			for i, p := range e.to.Preds {
				if p == e.from {
					predIdx = i
					break
				}
			}
			target = int32(len(g.prog.Instrs))
			temps := make([]int32, len(e.to.Phis))
			for i, phi := range e.to.Phis {
				temps[i] = g.nextReg
				g.nextReg++
				g.emit(Instr{Op: MOV, Rd: temps[i], Ra: g.use(phi.Args[predIdx])})
			}
			for i, phi := range e.to.Phis {
				g.emit(Instr{Op: MOV, Rd: g.regs[phi], Ra: temps[i]})
			}
			g.emit(Instr{Op: JMP, Target: g.blockPC[e.to]})
		}
		if e.second {
			g.prog.Instrs[e.patchPC].Target2 = target
		} else {
			g.prog.Instrs[e.patchPC].Target = target
		}
	}

	// Patch the re-convergence points now that block addresses are known.
	for _, b := range order {
		if b.Term.Op != kir.OpBranch {
			continue
		}
		if pd := g.ipdom[b]; pd != nil {
			g.prog.Instrs[g.branchPC(b)].Reconv = g.blockPC[pd]
		}
		// A branch whose both arms exit has no re-convergence point;
		// Reconv stays -1 and EXIT unwinds the divergence stack.
	}

	g.prog.NumRegs = int(g.nextReg)
	return nil
}

// branchPC finds the BRA of a block: the last instruction emitted before the
// next block starts minus trampolines, which is simply the instruction
// patched for its first edge. Recomputing it keeps the emission loop simple.
func (g *codegen) branchPC(b *kir.Block) int32 {
	pc := g.blockPC[b]
	for int(pc) < len(g.prog.Instrs) && g.prog.Instrs[pc].Op != BRA {
		pc++
	}
	return pc
}

func (g *codegen) emit(ins Instr) { g.prog.Instrs = append(g.prog.Instrs, ins) }

func (g *codegen) reg(v *kir.Value) int32 {
	if r, ok := g.regs[v]; ok {
		return r
	}
	r := g.nextReg
	g.nextReg++
	g.regs[v] = r
	return r
}

func (g *codegen) use(v *kir.Value) int32 { return g.regs[v] }

func (g *codegen) emitValue(v *kir.Value, viewIndex map[*kir.Value]int32) error {
	if v.Type.DType == dtypes.Float64 {
		return errors.Wrapf(kerrors.ErrBackendUnsupported,
			"kernel %q: the simt device has no Float64 unit (%s)", g.prog.KernelName, v.Op)
	}
	switch v.Op {
	case kir.OpConst:
		g.emit(Instr{Op: MOVI, Rd: g.reg(v), Imm: v.ConstBits})

	case kir.OpLocalID, kir.OpGroupID, kir.OpGroupDim, kir.OpGridDim:
		sr := map[kir.OpCode]int32{
			kir.OpLocalID: SRLaneID, kir.OpGroupID: SRGroupID,
			kir.OpGroupDim: SRGroupDim, kir.OpGridDim: SRGridDim,
		}[v.Op]
		g.emit(Instr{Op: S2R, Rd: g.reg(v), Arg: sr, Axis: int32(v.AuxInt)})

	case kir.OpConvert:
		g.emit(Instr{
			Op: CVT, Rd: g.reg(v), Ra: g.use(v.Args[0]),
			DType: v.Args[0].Type.DType, DType2: v.Type.DType,
		})

	case kir.OpSelect:
		g.emit(Instr{Op: SEL, Rd: g.reg(v), Ra: g.use(v.Args[0]), Rb: g.use(v.Args[1]), Rc: g.use(v.Args[2])})

	case kir.OpViewDim, kir.OpViewStride:
		op := VDIM
		if v.Op == kir.OpViewStride {
			op = VSTR
		}
		g.emit(Instr{Op: op, Rd: g.reg(v), Arg: viewIndex[v.Args[0]], Axis: int32(v.AuxInt)})

	case kir.OpViewLen:
		g.emit(Instr{Op: VLEN, Rd: g.reg(v), Arg: viewIndex[v.Args[0]]})

	case kir.OpLoadLinear:
		g.emit(Instr{Op: LDG, Rd: g.reg(v), Ra: g.use(v.Args[1]), Arg: viewIndex[v.Args[0]], DType: v.Type.DType})

	case kir.OpStoreLinear:
		g.emit(Instr{Op: STG, Ra: g.use(v.Args[1]), Rb: g.use(v.Args[2]), Arg: viewIndex[v.Args[0]], DType: v.Args[2].Type.DType})

	case kir.OpAtomicAddLinear:
		g.emit(Instr{Op: ATOM, Ra: g.use(v.Args[1]), Rb: g.use(v.Args[2]), Arg: viewIndex[v.Args[0]], DType: v.Args[2].Type.DType})

	case kir.OpSharedLoadOff:
		g.emit(Instr{Op: LDS, Rd: g.reg(v), Ra: g.use(v.Args[0]), Ofs: v.AuxInt, DType: v.Type.DType})

	case kir.OpSharedStoreOff:
		g.emit(Instr{Op: STS, Ra: g.use(v.Args[0]), Rb: g.use(v.Args[1]), Ofs: v.AuxInt, DType: v.Args[1].Type.DType})

	case kir.OpBarrier:
		g.emit(Instr{Op: BAR})

	case kir.OpCall:
		return errors.Wrapf(kerrors.ErrBackendUnsupported,
			"kernel %q: call to %q survived inlining (depth or budget exceeded)", g.prog.KernelName, v.AuxStr)

	case kir.OpLoad, kir.OpStore, kir.OpAtomicAdd, kir.OpSharedLoad, kir.OpSharedStore:
		return errors.Wrapf(kerrors.ErrBackendUnsupported,
			"kernel %q: %s was not lowered before code generation", g.prog.KernelName, v.Op)

	default:
		dtype := v.Args[0].Type.DType
		if dtype == dtypes.Float16 {
			return errors.Wrapf(kerrors.ErrBackendUnsupported, "kernel %q: %s on Float16", g.prog.KernelName, v.Op)
		}
		if dtype == dtypes.Float64 {
			return errors.Wrapf(kerrors.ErrBackendUnsupported,
				"kernel %q: the simt device has no Float64 unit (%s)", g.prog.KernelName, v.Op)
		}
		switch len(v.Args) {
		case 1:
			g.emit(Instr{Op: UN, KOp: v.Op, Rd: g.reg(v), Ra: g.use(v.Args[0]), DType: dtype})
		case 2:
			g.emit(Instr{Op: BIN, KOp: v.Op, Rd: g.reg(v), Ra: g.use(v.Args[0]), Rb: g.use(v.Args[1]), DType: dtype})
		default:
			return errors.Wrapf(kerrors.ErrBackendUnsupported, "kernel %q: cannot lower %s", g.prog.KernelName, v.Op)
		}
	}
	return nil
}

// postdominators computes the immediate post-dominator of every block by
// set intersection over the reversed CFG with a virtual exit (nil). Kernel
// CFGs are small, so the quadratic fixpoint is fine.
func postdominators(f *kir.Func) map[*kir.Block]*kir.Block {
	blocks := kir.ReversePostorder(f)
	pdom := make(map[*kir.Block]map[*kir.Block]bool, len(blocks))
	all := make(map[*kir.Block]bool, len(blocks))
	for _, b := range blocks {
		all[b] = true
	}
	for _, b := range blocks {
		if len(b.Succs) == 0 {
			pdom[b] = map[*kir.Block]bool{b: true}
			continue
		}
		set := make(map[*kir.Block]bool, len(blocks))
		for x := range all {
			set[x] = true
		}
		pdom[b] = set
	}
	for changed := true; changed; {
		changed = false
		for i := len(blocks) - 1; i >= 0; i-- {
			b := blocks[i]
			if len(b.Succs) == 0 {
				continue
			}
			next := make(map[*kir.Block]bool)
			for x := range pdom[b.Succs[0]] {
				inAll := true
				for _, s := range b.Succs[1:] {
					if !pdom[s][x] {
						inAll = false
						break
					}
				}
				if inAll {
					next[x] = true
				}
			}
			next[b] = true
			if len(next) != len(pdom[b]) {
				pdom[b] = next
				changed = true
			}
		}
	}

	// The immediate post-dominator is the strict post-dominator closest
	// to the block: the candidate with the largest own set.
	ipdom := make(map[*kir.Block]*kir.Block, len(blocks))
	for _, b := range blocks {
		var best *kir.Block
		for c := range pdom[b] {
			if c == b {
				continue
			}
			if best == nil || len(pdom[c]) > len(pdom[best]) {
				best = c
			}
		}
		ipdom[b] = best // nil when only the virtual exit post-dominates
	}
	return ipdom
}
