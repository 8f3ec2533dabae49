package kernel

import "github.com/velocore/velocore/types/dtypes"

// ScalarOf declares a scalar parameter.
func ScalarOf(name string, dtype dtypes.DType) Param {
	return Param{Name: name, Kind: ScalarParam, DType: dtype}
}

// ViewOf declares a buffer-view parameter with the given element type and rank.
func ViewOf(name string, dtype dtypes.DType, rank int) Param {
	return Param{Name: name, Kind: ViewParam, DType: dtype, Rank: rank}
}

// Let assigns an expression to a local variable.
func Let(name string, value Expr) Stmt { return &Assign{Var: name, Value: value} }

// Var references a local variable or parameter.
func Var(name string) Expr { return &Ref{Name: name} }

// StoreAt stores value into view[index...].
func StoreAt(view string, index []Expr, value Expr) Stmt {
	return &Store{View: view, Index: index, Value: value}
}

// LoadAt loads view[index...].
func LoadAt(view string, index ...Expr) Expr {
	return &Load{View: view, Index: index}
}

// Int32Const, Int64Const, Float32Const and Float64Const build typed literals.
func Int32Const(v int32) Expr     { return &Const{DType: dtypes.Int32, Value: v} }
func Int64Const(v int64) Expr     { return &Const{DType: dtypes.Int64, Value: v} }
func Uint32Const(v uint32) Expr   { return &Const{DType: dtypes.Uint32, Value: v} }
func Uint64Const(v uint64) Expr   { return &Const{DType: dtypes.Uint64, Value: v} }
func Float32Const(v float32) Expr { return &Const{DType: dtypes.Float32, Value: v} }
func Float64Const(v float64) Expr { return &Const{DType: dtypes.Float64, Value: v} }
func BoolConst(v bool) Expr       { return &Const{DType: dtypes.Bool, Value: v} }

func Add(x, y Expr) Expr { return &Binary{Op: OpAdd, X: x, Y: y} }
func Sub(x, y Expr) Expr { return &Binary{Op: OpSub, X: x, Y: y} }
func Mul(x, y Expr) Expr { return &Binary{Op: OpMul, X: x, Y: y} }
func Div(x, y Expr) Expr { return &Binary{Op: OpDiv, X: x, Y: y} }
func Rem(x, y Expr) Expr { return &Binary{Op: OpRem, X: x, Y: y} }
func Min(x, y Expr) Expr { return &Binary{Op: OpMin, X: x, Y: y} }
func Max(x, y Expr) Expr { return &Binary{Op: OpMax, X: x, Y: y} }
func Eq(x, y Expr) Expr  { return &Binary{Op: OpEq, X: x, Y: y} }
func Ne(x, y Expr) Expr  { return &Binary{Op: OpNe, X: x, Y: y} }
func Lt(x, y Expr) Expr  { return &Binary{Op: OpLt, X: x, Y: y} }
func Le(x, y Expr) Expr  { return &Binary{Op: OpLe, X: x, Y: y} }
func Gt(x, y Expr) Expr  { return &Binary{Op: OpGt, X: x, Y: y} }
func Ge(x, y Expr) Expr  { return &Binary{Op: OpGe, X: x, Y: y} }

func Neg(x Expr) Expr  { return &Unary{Op: OpNeg, X: x} }
func Not(x Expr) Expr  { return &Unary{Op: OpNot, X: x} }
func Abs(x Expr) Expr  { return &Unary{Op: OpAbs, X: x} }
func Sqrt(x Expr) Expr { return &Unary{Op: OpSqrt, X: x} }
func Exp(x Expr) Expr  { return &Unary{Op: OpExp, X: x} }
func Log(x Expr) Expr  { return &Unary{Op: OpLog, X: x} }

// ConvertTo converts x to the given dtype.
func ConvertTo(dtype dtypes.DType, x Expr) Expr { return &Convert{To: dtype, X: x} }

// Where selects x where cond holds, y otherwise.
func Where(cond, x, y Expr) Expr { return &Select{Cond: cond, X: x, Y: y} }

// LocalID, GroupID, GroupDim, GridDim and GlobalID read the grid/group
// intrinsics for one axis. All yield Int32.
func LocalID(axis int) Expr  { return &Intrinsic{Kind: IntrLocalID, Axis: axis} }
func GroupID(axis int) Expr  { return &Intrinsic{Kind: IntrGroupID, Axis: axis} }
func GroupDim(axis int) Expr { return &Intrinsic{Kind: IntrGroupDim, Axis: axis} }
func GridDim(axis int) Expr  { return &Intrinsic{Kind: IntrGridDim, Axis: axis} }
func GlobalID(axis int) Expr { return &Intrinsic{Kind: IntrGlobalID, Axis: axis} }

// DimOf reads the runtime extent of a view axis, as Int32.
func DimOf(view string, axis int) Expr { return &ViewDim{View: view, Axis: axis} }

// LenOf reads the total element count of a view, as Int32.
func LenOf(view string) Expr { return &ViewLen{View: view} }

// CallFunc calls a helper function of the same library.
func CallFunc(name string, args ...Expr) Expr { return &Call{Func: name, Args: args} }

// Loop builds a counted loop from 0 to limit with step 1.
func Loop(v string, limit Expr, body ...Stmt) Stmt {
	return &For{Var: v, Start: Int32Const(0), Limit: limit, Step: Int32Const(1), Body: body}
}

// IfThen builds an If with no else branch.
func IfThen(cond Expr, then ...Stmt) Stmt { return &If{Cond: cond, Then: then} }
