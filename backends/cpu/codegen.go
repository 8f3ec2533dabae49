// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/pkg/errors"

	"github.com/velocore/velocore/backends"
	"github.com/velocore/velocore/kir"
	"github.com/velocore/velocore/types/dtypes"
	"github.com/velocore/velocore/types/kerrors"
)

// generate lowers an optimized IR module to a register-machine program.
// Scalar values get dense virtual registers; views stay launch arguments
// referenced by index. Phis become explicit copies on the incoming edges.
func generate(m *kir.Module, spec *backends.LaunchSpec) (*Program, error) {
	f := m.Entry
	g := &codegen{
		f:    f,
		regs: make(map[*kir.Value]int32),
		prog: &Program{
			KernelName: m.Name,
			GroupDims:  spec.GroupDims,
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

	// blockPC is the instruction index each block starts at; branch
	// targets are patched from it after emission.
	blockPC map[*kir.Block]int32
}

func (g *codegen) run() error {
	f := g.f
	order := kir.ReversePostorder(f)

	uniform := kir.UniformSet(f)
	g.prog.Uniform = true
	for _, b := range order {
		if b.Term.Op == kir.OpBranch && !uniform[b.Term.Args[0]] {
			g.prog.Uniform = false
			break
		}
	}
	g.prog.SharedBytes = f.SharedBytes

	// Runtime argument list: every unbound IR parameter, in order.
	// Scalars additionally get a register loaded up front.
	viewIndex := make(map[*kir.Value]int64)
	var paramLoads []Instr
	for i, p := range f.Params {
		info := backends.ParamInfo{Name: p.AuxStr, DType: p.Type.DType}
		if p.Type.IsView() {
			info.Kind = backends.ViewParam
			info.Rank = int(p.Type.Rank)
			viewIndex[p] = int64(i)
		} else {
			info.Kind = backends.ScalarParam
			paramLoads = append(paramLoads, Instr{
				Op: OpParam, Dst: g.reg(p), Aux: int64(i),
			})
		}
		g.prog.Params = append(g.prog.Params, info)
	}
	g.prog.Instrs = append(g.prog.Instrs, paramLoads...)

	// First sweep: emit block bodies with block-index placeholders in
	// branch targets, collecting phi copies for each edge.
	type pendingEdge struct {
		patchPC int32 // instruction whose Target/Target2 points at the edge
		second  bool
		from    *kir.Block
		to      *kir.Block
	}
	var edges []pendingEdge
	g.blockPC = make(map[*kir.Block]int32, len(order))

	for _, b := range order {
		g.blockPC[b] = int32(len(g.prog.Instrs))
		for _, phi := range b.Phis {
			g.reg(phi) // defined by the edge copies
		}
		for _, v := range b.Instrs {
			if err := g.emitValue(v, viewIndex); err != nil {
				return err
			}
		}
		switch b.Term.Op {
		case kir.OpReturn:
			g.prog.Instrs = append(g.prog.Instrs, Instr{Op: OpReturn})
		case kir.OpJump:
			pc := int32(len(g.prog.Instrs))
			g.prog.Instrs = append(g.prog.Instrs, Instr{Op: OpJump})
			edges = append(edges, pendingEdge{patchPC: pc, from: b, to: b.Succs[0]})
		case kir.OpBranch:
			pc := int32(len(g.prog.Instrs))
			g.prog.Instrs = append(g.prog.Instrs, Instr{Op: OpBranch, A: g.use(b.Term.Args[0])})
			edges = append(edges, pendingEdge{patchPC: pc, from: b, to: b.Succs[0]})
			edges = append(edges, pendingEdge{patchPC: pc, second: true, from: b, to: b.Succs[1]})
		}
	}

	// Second sweep: resolve edges. Edges into blocks with phis get a
	// trampoline carrying the parallel copies (sources first into fresh
	// temporaries, then into the phi registers, so phi-reads-phi cycles
	// stay correct).
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
				g.prog.Instrs = append(g.prog.Instrs, Instr{Op: OpCopy, Dst: temps[i], A: g.use(phi.Args[predIdx])})
			}
			for i, phi := range e.to.Phis {
				g.prog.Instrs = append(g.prog.Instrs, Instr{Op: OpCopy, Dst: g.regs[phi], A: temps[i]})
			}
			g.prog.Instrs = append(g.prog.Instrs, Instr{Op: OpJump, Target: g.blockPC[e.to]})
		}
		if e.second {
			g.prog.Instrs[e.patchPC].Target2 = target
		} else {
			g.prog.Instrs[e.patchPC].Target = target
		}
	}

	g.prog.NumRegs = int(g.nextReg)
	return nil
}

// reg returns (allocating if needed) the register of a scalar value.
func (g *codegen) reg(v *kir.Value) int32 {
	if r, ok := g.regs[v]; ok {
		return r
	}
	r := g.nextReg
	g.nextReg++
	g.regs[v] = r
	return r
}

// use returns the register a previously defined value lives in.
func (g *codegen) use(v *kir.Value) int32 { return g.regs[v] }

func (g *codegen) emitValue(v *kir.Value, viewIndex map[*kir.Value]int64) error {
	emit := func(ins Instr) { g.prog.Instrs = append(g.prog.Instrs, ins) }
	switch v.Op {
	case kir.OpConst:
		emit(Instr{Op: OpConst, Dst: g.reg(v), Imm: v.ConstBits})

	case kir.OpLocalID, kir.OpGroupID, kir.OpGroupDim, kir.OpGridDim:
		which := map[kir.OpCode]int64{
			kir.OpLocalID: IntrLocalID, kir.OpGroupID: IntrGroupID,
			kir.OpGroupDim: IntrGroupDim, kir.OpGridDim: IntrGridDim,
		}[v.Op]
		emit(Instr{Op: OpIntrinsic, Dst: g.reg(v), Aux: which, Aux2: v.AuxInt})

	case kir.OpConvert:
		emit(Instr{
			Op: OpConvert, Dst: g.reg(v), A: g.use(v.Args[0]),
			DType: v.Args[0].Type.DType, DType2: v.Type.DType,
		})

	case kir.OpSelect:
		emit(Instr{Op: OpSelect, Dst: g.reg(v), A: g.use(v.Args[0]), B: g.use(v.Args[1]), C: g.use(v.Args[2])})

	case kir.OpViewDim, kir.OpViewStride:
		op := OpViewDim
		if v.Op == kir.OpViewStride {
			op = OpViewStride
		}
		emit(Instr{Op: op, Dst: g.reg(v), Aux: viewIndex[v.Args[0]], Aux2: v.AuxInt})

	case kir.OpViewLen:
		emit(Instr{Op: OpViewLen, Dst: g.reg(v), Aux: viewIndex[v.Args[0]]})

	case kir.OpLoadLinear:
		emit(Instr{
			Op: OpLoad, Dst: g.reg(v), A: g.use(v.Args[1]),
			Aux: viewIndex[v.Args[0]], DType: v.Type.DType,
		})

	case kir.OpStoreLinear, kir.OpAtomicAddLinear:
		op := OpStore
		if v.Op == kir.OpAtomicAddLinear {
			op = OpAtomicAdd
		}
		emit(Instr{
			Op: op, A: g.use(v.Args[1]), B: g.use(v.Args[2]),
			Aux: viewIndex[v.Args[0]], DType: v.Args[2].Type.DType,
		})

	case kir.OpSharedLoadOff:
		emit(Instr{Op: OpSharedLoad, Dst: g.reg(v), A: g.use(v.Args[0]), Aux: v.AuxInt, DType: v.Type.DType})

	case kir.OpSharedStoreOff:
		emit(Instr{Op: OpSharedStore, A: g.use(v.Args[0]), B: g.use(v.Args[1]), Aux: v.AuxInt, DType: v.Args[1].Type.DType})

	case kir.OpBarrier:
		emit(Instr{Op: OpBarrier})

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
		switch len(v.Args) {
		case 1:
			emit(Instr{Op: OpUnary, KOp: v.Op, Dst: g.reg(v), A: g.use(v.Args[0]), DType: dtype})
		case 2:
			emit(Instr{Op: OpBinary, KOp: v.Op, Dst: g.reg(v), A: g.use(v.Args[0]), B: g.use(v.Args[1]), DType: dtype})
		default:
			return errors.Wrapf(kerrors.ErrBackendUnsupported, "kernel %q: cannot lower %s", g.prog.KernelName, v.Op)
		}
	}
	return nil
}
