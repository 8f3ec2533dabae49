// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

// Package kernel defines the typed, already-resolved representation of a
// kernel function body that callers hand to the compiler.
//
// A kernel is written against an abstract index/memory model: a two-level
// grid-of-groups partitioning of work-items, typed buffer views with explicit
// multi-dimensional indexing, group-shared scratch memory and barriers.
// The compiler (package kir) translates it into SSA form, optimizes it and
// hands it to a backend code generator.
//
// Construction helpers are in helpers.go, so a kernel body reads close to the
// pseudo-code it stands for:
//
//	fn := &kernel.Func{
//		Name:   "scale",
//		Params: []kernel.Param{kernel.ViewOf("in", dtypes.Float32, 1), kernel.ViewOf("out", dtypes.Float32, 1)},
//		Body: []kernel.Stmt{
//			kernel.Let("i", kernel.GlobalID(0)),
//			kernel.StoreAt("out", []kernel.Expr{kernel.Var("i")},
//				kernel.Mul(kernel.LoadAt("in", kernel.Var("i")), kernel.Float32Const(2))),
//		},
//	}
package kernel

import (
	"github.com/gomlx/exceptions"

	"github.com/velocore/velocore/types/dtypes"
)

// ParamKind distinguishes scalar parameters from buffer views.
type ParamKind int

const (
	// ScalarParam is a single runtime scalar argument.
	ScalarParam ParamKind = iota
	// ViewParam is a typed buffer view with runtime dimensions and strides.
	ViewParam
)

// Param declares one kernel parameter.
type Param struct {
	Name  string
	Kind  ParamKind
	DType dtypes.DType

	// Rank is the number of axes of a ViewParam. It must be in [1, MaxViewRank].
	Rank int
}

// MaxViewRank is the largest number of axes a buffer view may have.
const MaxViewRank = 4

// Func is one kernel function: the entry point of a compilation, or a helper
// called (and inlined) by other functions of the same Library.
type Func struct {
	Name   string
	Params []Param

	// Returns is the result type of a helper function.
	// Kernel entry points return nothing and leave it as InvalidDType.
	Returns dtypes.DType

	Body []Stmt
}

// Library is a set of functions that may call each other.
// Call expressions resolve by name within the owning library.
type Library struct {
	funcs map[string]*Func
}

// NewLibrary creates a library from the given functions.
// It panics on duplicate names -- names are the resolution key.
func NewLibrary(funcs ...*Func) *Library {
	lib := &Library{funcs: make(map[string]*Func, len(funcs))}
	for _, f := range funcs {
		if _, dup := lib.funcs[f.Name]; dup {
			exceptions.Panicf("kernel: duplicate function name %q", f.Name)
		}
		lib.funcs[f.Name] = f
	}
	return lib
}

// Func returns the function with the given name, or nil.
func (lib *Library) Func(name string) *Func {
	if lib == nil {
		return nil
	}
	return lib.funcs[name]
}

// Stmt is a statement of a kernel body.
type Stmt interface{ isStmt() }

// Expr is a typed expression of a kernel body.
type Expr interface{ isExpr() }

// Assign binds (or re-binds) a local variable to the value of an expression.
type Assign struct {
	Var   string
	Value Expr
}

// Store writes Value to View at the given multi-dimensional Index.
type Store struct {
	View  string
	Index []Expr
	Value Expr
}

// AtomicAdd atomically adds Value to View at Index and discards the result.
type AtomicAdd struct {
	View  string
	Index []Expr
	Value Expr
}

// If executes Then or Else depending on a Bool condition.
type If struct {
	Cond Expr
	Then []Stmt
	Else []Stmt
}

// For is a counted loop: Var iterates from Start (inclusive) to Limit
// (exclusive) in increments of Step. Step must be a positive constant after
// specialization; anything else is an unsupported construct.
//
// Counted loops are the only loop form: the compiler rejects unbounded
// iteration at IR construction time.
type For struct {
	Var   string
	Start Expr
	Limit Expr
	Step  Expr
	Body  []Stmt
}

// Barrier synchronizes all work-items of a group. It must be reached by
// every work-item of the group (uniform execution point).
type Barrier struct{}

// Return ends a helper function, yielding Value (nil for kernels).
type Return struct {
	Value Expr
}

// DeclShared declares a group-shared scratch array of Count elements of DType.
// Count must fold to a constant after specialization.
type DeclShared struct {
	Name  string
	DType dtypes.DType
	Count Expr
}

// SharedStore writes to a group-shared array declared with DeclShared.
type SharedStore struct {
	Name  string
	Index Expr
	Value Expr
}

// Eval evaluates an expression for its side effects (calls, mostly) and
// discards the result.
type Eval struct {
	Value Expr
}

func (*Assign) isStmt()      {}
func (*Store) isStmt()       {}
func (*AtomicAdd) isStmt()   {}
func (*If) isStmt()          {}
func (*For) isStmt()         {}
func (*Barrier) isStmt()     {}
func (*Return) isStmt()      {}
func (*DeclShared) isStmt()  {}
func (*SharedStore) isStmt() {}
func (*Eval) isStmt()        {}

// BinOp enumerates binary operators.
type BinOp int

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	OpRem
	OpMin
	OpMax
	OpAnd // bitwise on ints, logical on Bool
	OpOr
	OpXor
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

// UnOp enumerates unary operators.
type UnOp int

const (
	OpNeg UnOp = iota
	OpNot
	OpAbs
	OpSqrt
	OpExp
	OpLog
)

// IntrinsicKind enumerates the thread-indexing intrinsics.
type IntrinsicKind int

const (
	// IntrLocalID is the work-item index within its group, per axis.
	IntrLocalID IntrinsicKind = iota
	// IntrGroupID is the group index within the grid, per axis.
	IntrGroupID
	// IntrGroupDim is the group extent, per axis.
	IntrGroupDim
	// IntrGridDim is the grid extent in groups, per axis.
	IntrGridDim
	// IntrGlobalID is GroupID*GroupDim + LocalID, per axis.
	IntrGlobalID
)

// Const is a typed literal. Value must be the Go value matching DType
// (e.g. float32 for dtypes.Float32).
type Const struct {
	DType dtypes.DType
	Value any
}

// Ref reads a parameter or a local variable by name.
type Ref struct {
	Name string
}

// Binary applies Op to X and Y. Both sides must have the same dtype;
// comparisons yield Bool.
type Binary struct {
	Op   BinOp
	X, Y Expr
}

// Unary applies Op to X.
type Unary struct {
	Op UnOp
	X  Expr
}

// Convert converts X to the dtype To.
type Convert struct {
	To dtypes.DType
	X  Expr
}

// Select yields X where Cond is true, Y elsewhere. X and Y must agree in dtype.
type Select struct {
	Cond Expr
	X, Y Expr
}

// Load reads View at the given multi-dimensional Index.
type Load struct {
	View  string
	Index []Expr
}

// SharedLoad reads a group-shared array declared with DeclShared.
type SharedLoad struct {
	Name  string
	Index Expr
}

// Intrinsic reads a thread-indexing intrinsic for one axis (0, 1 or 2).
type Intrinsic struct {
	Kind IntrinsicKind
	Axis int
}

// ViewDim reads the runtime extent of one axis of a view.
type ViewDim struct {
	View string
	Axis int
}

// ViewLen reads the total number of elements of a view.
type ViewLen struct {
	View string
}

// Call invokes another function of the same library. Calls are always
// inlined by the optimization pipeline; recursion is rejected.
type Call struct {
	Func string
	Args []Expr
}

func (*Const) isExpr()      {}
func (*Ref) isExpr()        {}
func (*Binary) isExpr()     {}
func (*Unary) isExpr()      {}
func (*Convert) isExpr()    {}
func (*Select) isExpr()     {}
func (*Load) isExpr()       {}
func (*SharedLoad) isExpr() {}
func (*Intrinsic) isExpr()  {}
func (*ViewDim) isExpr()    {}
func (*ViewLen) isExpr()    {}
func (*Call) isExpr()       {}
