// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package simt

import (
	"fmt"
	"strings"

	"github.com/velocore/velocore/backends"
	"github.com/velocore/velocore/kir"
	"github.com/velocore/velocore/types/dtypes"
)

// The SIMT backend compiles kernels to a compact GPU-flavored instruction
// stream executed warp-wide: every instruction applies to all active lanes
// of a warp in lockstep, divergence is handled with an explicit
// re-convergence stack, and BRA carries the program counter of its immediate
// post-dominator as the re-convergence point.

// Opcode is a SIMT instruction opcode.
type Opcode int32

const (
	NOP Opcode = iota

	// MOVI loads the immediate Imm into Rd. MOV copies Ra into Rd.
	MOVI
	MOV

	// LDARG reads the scalar launch argument Arg into Rd.
	LDARG

	// S2R reads a special register into Rd: SR is the selector, Axis the
	// grid axis.
	S2R

	// BIN/UN/CVT/SEL are the ALU: KOp carries the IR opcode, DType the
	// operand type (DType2 the conversion target). SEL picks Ra ? Rb : Rc.
	BIN
	UN
	CVT
	SEL

	// VDIM/VSTR/VLEN read view metadata of view argument Arg (axis Axis).
	VDIM
	VSTR
	VLEN

	// LDG/STG/ATOM access global (device) memory: element regs[Ra] of
	// view argument Arg; STG and ATOM take the value from Rb.
	LDG
	STG
	ATOM

	// LDS/STS access the group-shared segment at byte offset Ofs plus
	// regs[Ra] scaled by the element size.
	LDS
	STS

	// BAR synchronizes all warps of the group.
	BAR

	// JMP jumps to Target. BRA branches on regs[Ra] to Target or
	// Target2, re-converging at Reconv. EXIT retires the active lanes.
	JMP
	BRA
	EXIT
)

// Special register selectors for S2R.
const (
	SRLaneID int32 = iota // local id within the group
	SRGroupID
	SRGroupDim
	SRGridDim
)

// Instr is one SIMT instruction. Rd/Ra/Rb/Rc index the per-lane register
// file.
type Instr struct {
	Op  Opcode
	KOp kir.OpCode

	DType  dtypes.DType
	DType2 dtypes.DType

	Rd, Ra, Rb, Rc int32

	Imm  uint64
	Arg  int32
	Axis int32
	Ofs  int64

	Target, Target2, Reconv int32
}

// Program is a compiled SIMT kernel.
type Program struct {
	KernelName string
	Instrs     []Instr
	NumRegs    int

	GroupDims   backends.Dims
	SharedBytes int64
	Params      []backends.ParamInfo
}

var mnemonics = map[Opcode]string{
	NOP: "NOP", MOVI: "MOVI", MOV: "MOV", LDARG: "LDARG", S2R: "S2R",
	BIN: "BIN", UN: "UN", CVT: "CVT", SEL: "SEL",
	VDIM: "VDIM", VSTR: "VSTR", VLEN: "VLEN",
	LDG: "LDG", STG: "STG", ATOM: "ATOM", LDS: "LDS", STS: "STS",
	BAR: "BAR", JMP: "JMP", BRA: "BRA", EXIT: "EXIT",
}

// Disassemble renders the instruction stream for debugging.
func (p *Program) Disassemble() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "// %s: %d regs/lane, group %s, shared %dB\n",
		p.KernelName, p.NumRegs, p.GroupDims, p.SharedBytes)
	for pc, ins := range p.Instrs {
		fmt.Fprintf(&sb, "/*%04d*/ %-6s", pc, mnemonics[ins.Op])
		switch ins.Op {
		case MOVI:
			fmt.Fprintf(&sb, "R%d, %#x", ins.Rd, ins.Imm)
		case MOV:
			fmt.Fprintf(&sb, "R%d, R%d", ins.Rd, ins.Ra)
		case LDARG:
			fmt.Fprintf(&sb, "R%d, c[%d]", ins.Rd, ins.Arg)
		case S2R:
			fmt.Fprintf(&sb, "R%d, SR%d.%d", ins.Rd, ins.Arg, ins.Axis)
		case BIN:
			fmt.Fprintf(&sb, "R%d, R%d, R%d ; %s.%s", ins.Rd, ins.Ra, ins.Rb, ins.KOp, ins.DType)
		case UN:
			fmt.Fprintf(&sb, "R%d, R%d ; %s.%s", ins.Rd, ins.Ra, ins.KOp, ins.DType)
		case CVT:
			fmt.Fprintf(&sb, "R%d, R%d ; %s->%s", ins.Rd, ins.Ra, ins.DType, ins.DType2)
		case SEL:
			fmt.Fprintf(&sb, "R%d, R%d, R%d, R%d", ins.Rd, ins.Ra, ins.Rb, ins.Rc)
		case VDIM, VSTR:
			fmt.Fprintf(&sb, "R%d, v[%d].%d", ins.Rd, ins.Arg, ins.Axis)
		case VLEN:
			fmt.Fprintf(&sb, "R%d, v[%d]", ins.Rd, ins.Arg)
		case LDG:
			fmt.Fprintf(&sb, "R%d, v[%d][R%d].%s", ins.Rd, ins.Arg, ins.Ra, ins.DType)
		case STG:
			fmt.Fprintf(&sb, "v[%d][R%d], R%d .%s", ins.Arg, ins.Ra, ins.Rb, ins.DType)
		case ATOM:
			fmt.Fprintf(&sb, "v[%d][R%d], R%d .add.%s", ins.Arg, ins.Ra, ins.Rb, ins.DType)
		case LDS:
			fmt.Fprintf(&sb, "R%d, s[%d+R%d*%d]", ins.Rd, ins.Ofs, ins.Ra, ins.DType.Size())
		case STS:
			fmt.Fprintf(&sb, "s[%d+R%d*%d], R%d", ins.Ofs, ins.Ra, ins.DType.Size(), ins.Rb)
		case JMP:
			fmt.Fprintf(&sb, "%d", ins.Target)
		case BRA:
			fmt.Fprintf(&sb, "R%d, %d, %d ; reconv %d", ins.Ra, ins.Target, ins.Target2, ins.Reconv)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
