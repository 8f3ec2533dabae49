package kir

import (
	"math"

	"github.com/velocore/velocore/types/dtypes"
)

// ConstFold propagates and folds constants: any pure operation whose
// arguments are all constants is rewritten, in place, into an OpConst.
// It also simplifies trivial phis (all incoming values identical) and
// selects with a constant condition, leaving the dead originals for the
// dead-code pass.
type ConstFold struct{}

// Name implements Pass.
func (*ConstFold) Name() string { return "constfold" }

// Apply implements Pass.
func (*ConstFold) Apply(m *Module) {
	eachFunc(m, constFoldFunc)
}

func constFoldFunc(f *Func) {
	for changed := true; changed; {
		changed = false
		for _, b := range ReversePostorder(f) {
			// Trivial phis: all incoming values identical (self-references
			// aside). They appear after branch elimination and from the
			// SSA construction of loops that turn out not to modify a
			// variable.
			for _, phi := range b.Phis {
				if same := trivialPhi(phi); same != nil {
					replaceUses(f, phi, same)
					changed = true
				}
			}
			for _, v := range b.Instrs {
				switch {
				case v.Op == OpSelect && v.Args[0].Op == OpConst:
					arm := v.Args[1]
					if !v.Args[0].ConstBool() {
						arm = v.Args[2]
					}
					if arm != v {
						replaceUses(f, v, arm)
						changed = true
					}
				case foldableInPlace(v):
					if bits, ok := foldValue(v); ok {
						v.Op = OpConst
						v.Args = nil
						v.ConstBits = bits
						v.AuxInt = 0
						v.AuxStr = ""
						changed = true
					}
				}
			}
		}
		dropSimplifiedPhis(f)
	}
}

func trivialPhi(phi *Value) *Value {
	var same *Value
	for _, arg := range phi.Args {
		if arg == phi || arg == same {
			continue
		}
		if same != nil {
			return nil
		}
		same = arg
	}
	return same
}

// dropSimplifiedPhis removes phis that no longer have uses. Phis must go
// through this rather than general DCE since they live in Block.Phis.
func dropSimplifiedPhis(f *Func) {
	uses := useCounts(f)
	for _, b := range f.Blocks {
		kept := b.Phis[:0]
		for _, phi := range b.Phis {
			if uses[phi] > 0 || usesSelf(phi, uses) {
				kept = append(kept, phi)
			}
		}
		b.Phis = kept
	}
}

// usesSelf keeps a phi whose only uses are its own self-reference alive only
// if something else also refers to it.
func usesSelf(phi *Value, uses map[*Value]int) bool {
	selfRefs := 0
	for _, arg := range phi.Args {
		if arg == phi {
			selfRefs++
		}
	}
	return uses[phi] > selfRefs
}

func foldableInPlace(v *Value) bool {
	switch v.Op {
	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpMin, OpMax, OpAnd, OpOr, OpXor,
		OpEq, OpNe, OpLt, OpLe, OpGt, OpGe,
		OpNeg, OpNot, OpAbs, OpSqrt, OpExp, OpLog, OpConvert:
		// fallthrough to the arg check below
	default:
		return false
	}
	for _, arg := range v.Args {
		if arg.Op != OpConst {
			return false
		}
	}
	return true
}

// foldValue evaluates a pure op over constant arguments, returning the
// resulting raw bits for v.Type.
func foldValue(v *Value) (uint64, bool) {
	switch len(v.Args) {
	case 1:
		if v.Op == OpConvert {
			return evalConvert(v.Args[0].Type.DType, v.Type.DType, v.Args[0].ConstBits)
		}
		return evalUnary(v.Op, v.Args[0].Type.DType, v.Args[0].ConstBits)
	case 2:
		return evalBinary(v.Op, v.Args[0].Type.DType, v.Args[0].ConstBits, v.Args[1].ConstBits)
	}
	return 0, false
}

// foldBinary is the builder's eager-fold entry: it evaluates op over two
// constants and materializes the result as a fresh constant of resultType.
func foldBinary(f *Func, op OpCode, resultType Type, x, y *Value) (*Value, bool) {
	bits, ok := evalBinary(op, x.Type.DType, x.ConstBits, y.ConstBits)
	if !ok {
		return nil, false
	}
	return f.ConstForBits(resultType.DType, bits), true
}

// foldUnary is the builder's eager-fold entry for unary ops.
func foldUnary(f *Func, op OpCode, x *Value) (*Value, bool) {
	bits, ok := evalUnary(op, x.Type.DType, x.ConstBits)
	if !ok {
		return nil, false
	}
	return f.ConstForBits(x.Type.DType, bits), true
}

// --- scalar evaluation over raw bits ---
//
// Integer constants are stored sign-extended (signed) or zero-extended
// (unsigned); floats as their IEEE bits. Division and remainder by zero are
// never folded: they must trap at the offending launch, not at compile time.

func boolBits(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func evalBinary(op OpCode, dtype dtypes.DType, xb, yb uint64) (uint64, bool) {
	switch dtype {
	case dtypes.Float32:
		x, y := math.Float32frombits(uint32(xb)), math.Float32frombits(uint32(yb))
		if r, ok := evalFloatCmp(op, float64(x), float64(y)); ok {
			return r, true
		}
		r, ok := evalFloat32Arith(op, x, y)
		return uint64(math.Float32bits(r)), ok
	case dtypes.Float64:
		x, y := math.Float64frombits(xb), math.Float64frombits(yb)
		if r, ok := evalFloatCmp(op, x, y); ok {
			return r, true
		}
		r, ok := evalFloat64Arith(op, x, y)
		return math.Float64bits(r), ok
	case dtypes.Int32, dtypes.Int64:
		x, y := int64(xb), int64(yb)
		switch op {
		case OpEq:
			return boolBits(x == y), true
		case OpNe:
			return boolBits(x != y), true
		case OpLt:
			return boolBits(x < y), true
		case OpLe:
			return boolBits(x <= y), true
		case OpGt:
			return boolBits(x > y), true
		case OpGe:
			return boolBits(x >= y), true
		}
		r, ok := evalIntArith(op, x, y)
		if dtype == dtypes.Int32 {
			r = int64(int32(r))
		}
		return uint64(r), ok
	case dtypes.Uint32, dtypes.Uint64:
		x, y := xb, yb
		switch op {
		case OpEq:
			return boolBits(x == y), true
		case OpNe:
			return boolBits(x != y), true
		case OpLt:
			return boolBits(x < y), true
		case OpLe:
			return boolBits(x <= y), true
		case OpGt:
			return boolBits(x > y), true
		case OpGe:
			return boolBits(x >= y), true
		}
		r, ok := evalUintArith(op, x, y)
		if dtype == dtypes.Uint32 {
			r = uint64(uint32(r))
		}
		return r, ok
	case dtypes.Bool:
		x, y := xb != 0, yb != 0
		switch op {
		case OpAnd:
			return boolBits(x && y), true
		case OpOr:
			return boolBits(x || y), true
		case OpXor:
			return boolBits(x != y), true
		case OpEq:
			return boolBits(x == y), true
		case OpNe:
			return boolBits(x != y), true
		}
	}
	return 0, false
}

func evalFloatCmp(op OpCode, x, y float64) (uint64, bool) {
	switch op {
	case OpEq:
		return boolBits(x == y), true
	case OpNe:
		return boolBits(x != y), true
	case OpLt:
		return boolBits(x < y), true
	case OpLe:
		return boolBits(x <= y), true
	case OpGt:
		return boolBits(x > y), true
	case OpGe:
		return boolBits(x >= y), true
	}
	return 0, false
}

func evalFloat32Arith(op OpCode, x, y float32) (float32, bool) {
	switch op {
	case OpAdd:
		return x + y, true
	case OpSub:
		return x - y, true
	case OpMul:
		return x * y, true
	case OpDiv:
		return x / y, true
	case OpRem:
		return float32(math.Mod(float64(x), float64(y))), true
	case OpMin:
		return float32(math.Min(float64(x), float64(y))), true
	case OpMax:
		return float32(math.Max(float64(x), float64(y))), true
	}
	return 0, false
}

func evalFloat64Arith(op OpCode, x, y float64) (float64, bool) {
	switch op {
	case OpAdd:
		return x + y, true
	case OpSub:
		return x - y, true
	case OpMul:
		return x * y, true
	case OpDiv:
		return x / y, true
	case OpRem:
		return math.Mod(x, y), true
	case OpMin:
		return math.Min(x, y), true
	case OpMax:
		return math.Max(x, y), true
	}
	return 0, false
}

func evalIntArith(op OpCode, x, y int64) (int64, bool) {
	switch op {
	case OpAdd:
		return x + y, true
	case OpSub:
		return x - y, true
	case OpMul:
		return x * y, true
	case OpDiv:
		if y == 0 {
			return 0, false
		}
		return x / y, true
	case OpRem:
		if y == 0 {
			return 0, false
		}
		return x % y, true
	case OpMin:
		return min(x, y), true
	case OpMax:
		return max(x, y), true
	case OpAnd:
		return x & y, true
	case OpOr:
		return x | y, true
	case OpXor:
		return x ^ y, true
	}
	return 0, false
}

func evalUintArith(op OpCode, x, y uint64) (uint64, bool) {
	switch op {
	case OpAdd:
		return x + y, true
	case OpSub:
		return x - y, true
	case OpMul:
		return x * y, true
	case OpDiv:
		if y == 0 {
			return 0, false
		}
		return x / y, true
	case OpRem:
		if y == 0 {
			return 0, false
		}
		return x % y, true
	case OpMin:
		return min(x, y), true
	case OpMax:
		return max(x, y), true
	case OpAnd:
		return x & y, true
	case OpOr:
		return x | y, true
	case OpXor:
		return x ^ y, true
	}
	return 0, false
}

func evalUnary(op OpCode, dtype dtypes.DType, xb uint64) (uint64, bool) {
	switch dtype {
	case dtypes.Float32:
		x := float64(math.Float32frombits(uint32(xb)))
		r, ok := evalFloatUnary(op, x)
		return uint64(math.Float32bits(float32(r))), ok
	case dtypes.Float64:
		r, ok := evalFloatUnary(op, math.Float64frombits(xb))
		return math.Float64bits(r), ok
	case dtypes.Int32, dtypes.Int64:
		x := int64(xb)
		var r int64
		switch op {
		case OpNeg:
			r = -x
		case OpNot:
			r = ^x
		case OpAbs:
			if x < 0 {
				r = -x
			} else {
				r = x
			}
		default:
			return 0, false
		}
		if dtype == dtypes.Int32 {
			r = int64(int32(r))
		}
		return uint64(r), true
	case dtypes.Uint32, dtypes.Uint64:
		var r uint64
		switch op {
		case OpNeg:
			r = -xb
		case OpNot:
			r = ^xb
		case OpAbs:
			r = xb
		default:
			return 0, false
		}
		if dtype == dtypes.Uint32 {
			r = uint64(uint32(r))
		}
		return r, true
	case dtypes.Bool:
		if op == OpNot {
			return boolBits(xb == 0), true
		}
	}
	return 0, false
}

func evalFloatUnary(op OpCode, x float64) (float64, bool) {
	switch op {
	case OpNeg:
		return -x, true
	case OpAbs:
		return math.Abs(x), true
	case OpSqrt:
		return math.Sqrt(x), true
	case OpExp:
		return math.Exp(x), true
	case OpLog:
		return math.Log(x), true
	}
	return 0, false
}

// evalConvert converts a constant between scalar dtypes, with Go conversion
// semantics (floats truncate toward zero when converted to integers).
func evalConvert(from, to dtypes.DType, bits uint64) (uint64, bool) {
	// Normalize through float64/int64/uint64 with an exactness flag for the
	// unsigned-vs-signed distinction.
	var asFloat float64
	var asInt int64
	var asUint uint64
	fromFloat := false
	fromUnsigned := false
	switch from {
	case dtypes.Float16:
		asFloat = float64(f16FromBits(uint16(bits)))
		fromFloat = true
	case dtypes.Float32:
		asFloat = float64(math.Float32frombits(uint32(bits)))
		fromFloat = true
	case dtypes.Float64:
		asFloat = math.Float64frombits(bits)
		fromFloat = true
	case dtypes.Int32, dtypes.Int64:
		asInt = int64(bits)
	case dtypes.Uint32, dtypes.Uint64:
		asUint = bits
		fromUnsigned = true
	default:
		return 0, false
	}
	toFloat := func() float64 {
		if fromFloat {
			return asFloat
		}
		if fromUnsigned {
			return float64(asUint)
		}
		return float64(asInt)
	}
	toInt := func() int64 {
		if fromFloat {
			return int64(asFloat)
		}
		if fromUnsigned {
			return int64(asUint)
		}
		return asInt
	}
	switch to {
	case dtypes.Float16:
		return uint64(f16Bits(float32(toFloat()))), true
	case dtypes.Float32:
		return uint64(math.Float32bits(float32(toFloat()))), true
	case dtypes.Float64:
		return math.Float64bits(toFloat()), true
	case dtypes.Int32:
		return uint64(int64(int32(toInt()))), true
	case dtypes.Int64:
		return uint64(toInt()), true
	case dtypes.Uint32:
		return uint64(uint32(toInt())), true
	case dtypes.Uint64:
		return uint64(toInt()), true
	}
	return 0, false
}
