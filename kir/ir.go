// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

// Package kir is velocore's kernel intermediate representation: a typed SSA
// control/data-flow graph of one kernel and its helper functions.
//
// A Module is built from a kernel.Signature (see Build), rewritten in place by
// the optimization pipeline (see Optimize) and finally handed to a backend
// code generator. Every Value is defined exactly once and dominates all its
// uses; Verify checks the invariant and tests rely on it.
package kir

import (
	"math"

	"github.com/velocore/velocore/types/dtypes"
)

// OpCode identifies the operation computed by a Value.
type OpCode int32

const (
	OpInvalid OpCode = iota

	// OpParam is a kernel parameter: a runtime scalar or a buffer view.
	// AuxStr holds the parameter name, AuxInt its index.
	OpParam
	// OpConst is a typed constant; bits are stored in ConstBits.
	OpConst

	// Binary arithmetic. Args: x, y. Both sides share the result dtype.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpMin
	OpMax
	OpAnd
	OpOr
	OpXor

	// Comparisons. Args: x, y. Result is Bool.
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	// Unary arithmetic. Args: x.
	OpNeg
	OpNot
	OpAbs
	OpSqrt
	OpExp
	OpLog

	// OpConvert converts Args[0] to the value's dtype.
	OpConvert
	// OpSelect yields Args[1] where Args[0] (Bool) holds, else Args[2].
	OpSelect

	// Grid/group intrinsics; AuxInt is the axis (0..2). Result is Int32.
	OpLocalID
	OpGroupID
	OpGroupDim
	OpGridDim

	// View metadata. Args: view. AuxInt is the axis for OpViewDim/OpViewStride.
	OpViewDim
	OpViewStride
	OpViewLen

	// High-level view accesses, lowered by the strided-view pass.
	// OpLoad args: view, idx0..idxRank-1. OpStore appends the stored value.
	OpLoad
	OpStore
	OpAtomicAdd

	// Lowered (linear) view accesses.
	// Args: view, linearIdx (+ value for stores/atomics).
	OpLoadLinear
	OpStoreLinear
	OpAtomicAddLinear

	// Group-shared memory. Before lowering, AuxStr names the declaration and
	// the index is Args[0] (+ value for stores). After lowering, the ops
	// carry the allocation's element offset in AuxInt instead.
	OpSharedLoad
	OpSharedStore
	OpSharedLoadOff
	OpSharedStoreOff

	// OpBarrier synchronizes the work-items of one group.
	OpBarrier

	// OpCall invokes a helper function (AuxStr); removed by inlining.
	OpCall

	// OpPhi merges values at a control-flow join; Args align with Block.Preds.
	OpPhi

	// Terminators.
	OpJump   // Succs[0]
	OpBranch // Args[0] = cond; Succs[0] taken, Succs[1] not taken
	OpReturn // Args[0] optional return value (helpers only)

	opLast // marker, keep last
)

var opNames = [opLast]string{
	OpInvalid: "invalid",
	OpParam:   "param", OpConst: "const",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpRem: "rem",
	OpMin: "min", OpMax: "max", OpAnd: "and", OpOr: "or", OpXor: "xor",
	OpEq: "eq", OpNe: "ne", OpLt: "lt", OpLe: "le", OpGt: "gt", OpGe: "ge",
	OpNeg: "neg", OpNot: "not", OpAbs: "abs", OpSqrt: "sqrt", OpExp: "exp", OpLog: "log",
	OpConvert: "convert", OpSelect: "select",
	OpLocalID: "local_id", OpGroupID: "group_id", OpGroupDim: "group_dim", OpGridDim: "grid_dim",
	OpViewDim: "view_dim", OpViewStride: "view_stride", OpViewLen: "view_len",
	OpLoad: "load", OpStore: "store", OpAtomicAdd: "atomic_add",
	OpLoadLinear: "load_lin", OpStoreLinear: "store_lin", OpAtomicAddLinear: "atomic_add_lin",
	OpSharedLoad: "shared_load", OpSharedStore: "shared_store",
	OpSharedLoadOff: "shared_load_off", OpSharedStoreOff: "shared_store_off",
	OpBarrier: "barrier", OpCall: "call", OpPhi: "phi",
	OpJump: "jump", OpBranch: "branch", OpReturn: "return",
}

// String implements fmt.Stringer.
func (op OpCode) String() string {
	if op <= OpInvalid || op >= opLast {
		return "invalid"
	}
	return opNames[op]
}

// IsTerminator reports whether op ends a basic block.
func (op OpCode) IsTerminator() bool {
	return op == OpJump || op == OpBranch || op == OpReturn
}

// HasSideEffects reports whether op writes memory, synchronizes or otherwise
// must not be eliminated or reordered across other side-effecting ops.
func (op OpCode) HasSideEffects() bool {
	switch op {
	case OpStore, OpStoreLinear, OpAtomicAdd, OpAtomicAddLinear,
		OpSharedStore, OpSharedStoreOff, OpBarrier, OpCall:
		return true
	}
	return op.IsTerminator()
}

// ReadsMemory reports whether op observes memory written by side-effecting ops.
func (op OpCode) ReadsMemory() bool {
	switch op {
	case OpLoad, OpLoadLinear, OpAtomicAdd, OpAtomicAddLinear,
		OpSharedLoad, OpSharedLoadOff, OpCall:
		return true
	}
	return false
}

// TypeKind discriminates the few IR-level types.
type TypeKind int32

const (
	TypeVoid TypeKind = iota
	TypeScalar
	TypeView
)

// Type is the type of a Value: void (side effects only), a scalar dtype, or a
// buffer view of a given element dtype and rank.
type Type struct {
	Kind  TypeKind
	DType dtypes.DType
	Rank  int32 // views only
}

// ScalarType returns the scalar type of the given dtype.
func ScalarType(dtype dtypes.DType) Type { return Type{Kind: TypeScalar, DType: dtype} }

// ViewType returns a view type of the given element dtype and rank.
func ViewType(dtype dtypes.DType, rank int) Type {
	return Type{Kind: TypeView, DType: dtype, Rank: int32(rank)}
}

// VoidType is the type of side-effect-only values.
var VoidType = Type{Kind: TypeVoid}

// IsScalar reports whether t is a scalar of a valid dtype.
func (t Type) IsScalar() bool { return t.Kind == TypeScalar && t.DType.Ok() }

// IsView reports whether t is a buffer view.
func (t Type) IsView() bool { return t.Kind == TypeView }

// Value is one SSA value: a parameter, a constant, or the result of an
// operation. Values are created through Func/Block helpers so IDs stay unique.
type Value struct {
	ID    int
	Op    OpCode
	Type  Type
	Args  []*Value
	Block *Block

	// ConstBits holds an OpConst payload as raw bits (float64/float32 via
	// math.Float*bits, bool as 0/1, ints as their two's complement bits).
	ConstBits uint64

	// AuxInt carries small op payloads: intrinsic/view axis, parameter index,
	// shared-memory element offset.
	AuxInt int64

	// AuxStr carries name payloads: parameter name, callee, shared declaration.
	AuxStr string
}

// ConstFloat returns the floating point payload of an OpConst value.
func (v *Value) ConstFloat() float64 {
	switch v.Type.DType {
	case dtypes.Float32:
		return float64(math.Float32frombits(uint32(v.ConstBits)))
	case dtypes.Float64:
		return math.Float64frombits(v.ConstBits)
	}
	return float64(int64(v.ConstBits))
}

// ConstInt returns the integer payload of an OpConst value.
func (v *Value) ConstInt() int64 { return int64(v.ConstBits) }

// ConstBool returns the Bool payload of an OpConst value.
func (v *Value) ConstBool() bool { return v.ConstBits != 0 }

// Block is a basic block: phis, an ordered list of operations and exactly one
// terminator. Phi argument order is aligned with Preds.
type Block struct {
	ID    int
	Func  *Func
	Preds []*Block
	Succs []*Block

	Phis   []*Value
	Instrs []*Value
	Term   *Value
}

// SharedAlloc records one group-shared scratch declaration after constant
// folding of its element count. Offset is assigned by the shared-memory
// lowering pass.
type SharedAlloc struct {
	Name  string
	DType dtypes.DType
	Count int64

	// Offset is the element... byte offset of this allocation within the
	// group-shared arena; -1 until assigned by the lowering pass.
	Offset int64
}

// Func is one function in SSA form. Blocks[0] is the entry block.
type Func struct {
	Name   string
	Params []*Value
	Blocks []*Block

	// Returns is the scalar result type for helpers; VoidType for kernels.
	Returns Type

	// Shared lists the group-shared declarations of this function.
	Shared []SharedAlloc

	// SharedBytes is the fused size of the group-shared arena, valid after
	// the shared-memory lowering pass.
	SharedBytes int64

	nextValueID int
	nextBlockID int
}

// Module owns the IR of one kernel: the entry function plus every reachable
// helper. It is created per kernel signature, owned exclusively by the
// compilation pipeline and discarded after code generation.
type Module struct {
	Name  string
	Entry *Func

	// Helpers maps name to reachable helper functions; emptied by inlining.
	Helpers map[string]*Func
}

// NewFunc creates an empty function with an entry block.
func NewFunc(name string) *Func {
	f := &Func{Name: name, Returns: VoidType}
	f.NewBlock()
	return f
}

// Entry returns the entry block.
func (f *Func) Entry() *Block { return f.Blocks[0] }

// NewBlock appends a new empty basic block.
func (f *Func) NewBlock() *Block {
	b := &Block{ID: f.nextBlockID, Func: f}
	f.nextBlockID++
	f.Blocks = append(f.Blocks, b)
	return b
}

// NewValue creates a value of the given op and type in no block yet.
func (f *Func) NewValue(op OpCode, t Type, args ...*Value) *Value {
	v := &Value{ID: f.nextValueID, Op: op, Type: t, Args: args}
	f.nextValueID++
	return v
}

// NumValues returns an upper bound (exclusive) for value IDs in f.
func (f *Func) NumValues() int { return f.nextValueID }

// Append adds an already created value at the end of the block's instructions.
func (b *Block) Append(v *Value) *Value {
	v.Block = b
	b.Instrs = append(b.Instrs, v)
	return v
}

// NewInstr creates a value and appends it to the block.
func (b *Block) NewInstr(op OpCode, t Type, args ...*Value) *Value {
	return b.Append(b.Func.NewValue(op, t, args...))
}

// AddPhi adds a phi value to the block. Its Args must align with Preds.
func (b *Block) AddPhi(t Type) *Value {
	phi := b.Func.NewValue(OpPhi, t)
	phi.Block = b
	b.Phis = append(b.Phis, phi)
	return phi
}

// SetJump terminates the block with an unconditional jump to target.
func (b *Block) SetJump(target *Block) {
	term := b.Func.NewValue(OpJump, VoidType)
	term.Block = b
	b.Term = term
	b.addEdge(target)
}

// SetBranch terminates the block with a conditional branch.
func (b *Block) SetBranch(cond *Value, taken, notTaken *Block) {
	term := b.Func.NewValue(OpBranch, VoidType, cond)
	term.Block = b
	b.Term = term
	b.addEdge(taken)
	b.addEdge(notTaken)
}

// SetReturn terminates the block with a return. value may be nil.
func (b *Block) SetReturn(value *Value) {
	var term *Value
	if value == nil {
		term = b.Func.NewValue(OpReturn, VoidType)
	} else {
		term = b.Func.NewValue(OpReturn, VoidType, value)
	}
	term.Block = b
	b.Term = term
}

func (b *Block) addEdge(to *Block) {
	b.Succs = append(b.Succs, to)
	to.Preds = append(to.Preds, b)
}

// Values iterates phis, instructions and the terminator of the block, in order.
func (b *Block) Values(yield func(*Value) bool) {
	for _, v := range b.Phis {
		if !yield(v) {
			return
		}
	}
	for _, v := range b.Instrs {
		if !yield(v) {
			return
		}
	}
	if b.Term != nil {
		yield(b.Term)
	}
}

// ConstForBits creates (in the entry block) an OpConst with the given raw bits.
func (f *Func) ConstForBits(dtype dtypes.DType, bits uint64) *Value {
	v := f.NewValue(OpConst, ScalarType(dtype))
	v.ConstBits = bits
	// Constants live in the entry block so they dominate every use.
	entry := f.Entry()
	v.Block = entry
	entry.Instrs = append([]*Value{v}, entry.Instrs...)
	return v
}

// ConstInt creates an integer-typed constant.
func (f *Func) ConstInt(dtype dtypes.DType, value int64) *Value {
	return f.ConstForBits(dtype, uint64(value))
}

// ConstFloat creates a float-typed constant.
func (f *Func) ConstFloat(dtype dtypes.DType, value float64) *Value {
	switch dtype {
	case dtypes.Float32:
		return f.ConstForBits(dtype, uint64(math.Float32bits(float32(value))))
	default:
		return f.ConstForBits(dtype, math.Float64bits(value))
	}
}

// ConstBool creates a Bool constant.
func (f *Func) ConstBool(value bool) *Value {
	bits := uint64(0)
	if value {
		bits = 1
	}
	return f.ConstForBits(dtypes.Bool, bits)
}
