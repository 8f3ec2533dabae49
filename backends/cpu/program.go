// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"fmt"
	"strings"

	"github.com/velocore/velocore/backends"
	"github.com/velocore/velocore/kir"
	"github.com/velocore/velocore/types/dtypes"
)

// The CPU backend lowers kernel IR to a flat register-machine program. The
// program is fully serializable (it is what an artifact's Code bytes hold)
// and interpreted at launch time, one register file per work-item, values
// stored as 64-bit patterns with the same widening convention the IR uses.

// Op is a program opcode.
type Op int32

const (
	OpNop Op = iota

	// OpConst sets Dst to Imm.
	OpConst
	// OpCopy sets Dst to register A (phi moves).
	OpCopy
	// OpParam sets Dst to the scalar launch argument at index Aux.
	OpParam
	// OpIntrinsic sets Dst to a grid intrinsic: Aux is the intrinsic
	// selector (see Intr constants), Aux2 the axis.
	OpIntrinsic

	// OpBinary, OpUnary and OpConvert delegate to the IR evaluators:
	// KOp carries the IR opcode, DType the operand type (DType2 the
	// conversion target).
	OpBinary
	OpUnary
	OpConvert
	// OpSelect sets Dst to B where A is true, C elsewhere.
	OpSelect

	// OpViewDim/OpViewStride/OpViewLen read metadata of the view argument
	// at index Aux (axis in Aux2).
	OpViewDim
	OpViewStride
	OpViewLen

	// OpLoad reads element regs[A] of view argument Aux into Dst.
	// OpStore writes regs[B] to element regs[A]; OpAtomicAdd adds
	// atomically. All three bounds-check against the view length.
	OpLoad
	OpStore
	OpAtomicAdd

	// OpSharedLoad/OpSharedStore access the group-shared segment at byte
	// offset Aux plus regs[A] scaled by the element size.
	OpSharedLoad
	OpSharedStore

	// OpBarrier synchronizes the group (a phase join point).
	OpBarrier

	// OpJump continues at Target; OpBranch at Target when regs[A] is
	// true, Target2 otherwise; OpReturn finishes the work-item.
	OpJump
	OpBranch
	OpReturn
)

// Intrinsic selectors for OpIntrinsic.
const (
	IntrLocalID int64 = iota
	IntrGroupID
	IntrGroupDim
	IntrGridDim
)

// Instr is one program instruction. Dst/A/B/C are register indices.
type Instr struct {
	Op  Op
	KOp kir.OpCode

	DType  dtypes.DType
	DType2 dtypes.DType

	Dst, A, B, C int32

	Imm        uint64
	Aux, Aux2  int64
	Target     int32
	Target2    int32
}

// Program is a compiled kernel, ready to interpret.
type Program struct {
	KernelName string
	Instrs     []Instr
	NumRegs    int

	// GroupDims is the specialization's fixed group extent.
	GroupDims backends.Dims

	// SharedBytes is the per-group scratch segment size.
	SharedBytes int64

	// Params is the runtime argument list the launch is checked against.
	Params []backends.ParamInfo

	// Uniform means every branch condition is group-uniform, so a whole
	// group can execute in lockstep as one lane group. Divergent programs
	// run one work-item at a time instead.
	Uniform bool
}

var opNames = map[Op]string{
	OpNop: "nop", OpConst: "const", OpCopy: "copy", OpParam: "param",
	OpIntrinsic: "intr", OpBinary: "bin", OpUnary: "un", OpConvert: "cvt",
	OpSelect: "sel", OpViewDim: "vdim", OpViewStride: "vstride",
	OpViewLen: "vlen", OpLoad: "ld", OpStore: "st", OpAtomicAdd: "atomadd",
	OpSharedLoad: "shld", OpSharedStore: "shst", OpBarrier: "bar",
	OpJump: "jmp", OpBranch: "br", OpReturn: "ret",
}

// String disassembles the program, one instruction per line.
func (p *Program) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "; kernel %s: %d regs, group %s, shared %dB, uniform=%v\n",
		p.KernelName, p.NumRegs, p.GroupDims, p.SharedBytes, p.Uniform)
	for pc, ins := range p.Instrs {
		fmt.Fprintf(&sb, "%4d: %-8s", pc, opNames[ins.Op])
		switch ins.Op {
		case OpConst:
			fmt.Fprintf(&sb, "r%d = %#x", ins.Dst, ins.Imm)
		case OpCopy:
			fmt.Fprintf(&sb, "r%d = r%d", ins.Dst, ins.A)
		case OpParam:
			fmt.Fprintf(&sb, "r%d = arg[%d]", ins.Dst, ins.Aux)
		case OpIntrinsic:
			fmt.Fprintf(&sb, "r%d = intr(%d, axis=%d)", ins.Dst, ins.Aux, ins.Aux2)
		case OpBinary:
			fmt.Fprintf(&sb, "r%d = %s.%s r%d, r%d", ins.Dst, ins.KOp, ins.DType, ins.A, ins.B)
		case OpUnary:
			fmt.Fprintf(&sb, "r%d = %s.%s r%d", ins.Dst, ins.KOp, ins.DType, ins.A)
		case OpConvert:
			fmt.Fprintf(&sb, "r%d = %s->%s r%d", ins.Dst, ins.DType, ins.DType2, ins.A)
		case OpSelect:
			fmt.Fprintf(&sb, "r%d = r%d ? r%d : r%d", ins.Dst, ins.A, ins.B, ins.C)
		case OpViewDim, OpViewStride:
			fmt.Fprintf(&sb, "r%d = view[%d].%s(%d)", ins.Dst, ins.Aux, opNames[ins.Op], ins.Aux2)
		case OpViewLen:
			fmt.Fprintf(&sb, "r%d = view[%d].len", ins.Dst, ins.Aux)
		case OpLoad:
			fmt.Fprintf(&sb, "r%d = view[%d][r%d]", ins.Dst, ins.Aux, ins.A)
		case OpStore:
			fmt.Fprintf(&sb, "view[%d][r%d] = r%d", ins.Aux, ins.A, ins.B)
		case OpAtomicAdd:
			fmt.Fprintf(&sb, "view[%d][r%d] += r%d", ins.Aux, ins.A, ins.B)
		case OpSharedLoad:
			fmt.Fprintf(&sb, "r%d = shared[%d + r%d*%d]", ins.Dst, ins.Aux, ins.A, ins.DType.Size())
		case OpSharedStore:
			fmt.Fprintf(&sb, "shared[%d + r%d*%d] = r%d", ins.Aux, ins.A, ins.DType.Size(), ins.B)
		case OpJump:
			fmt.Fprintf(&sb, "-> %d", ins.Target)
		case OpBranch:
			fmt.Fprintf(&sb, "r%d ? %d : %d", ins.A, ins.Target, ins.Target2)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
