// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package kir

import "github.com/velocore/velocore/types/dtypes"

// Exported entry points to the constant evaluators, shared by the backend
// interpreters so a value computed at compile time and the same value
// computed at run time cannot disagree.
//
// Operands and results use the register convention of Value.ConstBits:
// 64-bit patterns, signed integers sign-extended, unsigned zero-extended,
// floats as their IEEE bits. The bool result is false when the operation is
// not evaluable for the given op/dtype (e.g. division by zero).

// EvalBinary evaluates a binary op over operands of the given dtype.
// Comparison results are Bool bits (0 or 1).
func EvalBinary(op OpCode, dtype dtypes.DType, x, y uint64) (uint64, bool) {
	return evalBinary(op, dtype, x, y)
}

// EvalUnary evaluates a unary op over an operand of the given dtype.
func EvalUnary(op OpCode, dtype dtypes.DType, x uint64) (uint64, bool) {
	return evalUnary(op, dtype, x)
}

// EvalConvert converts a value between dtypes with Go conversion semantics.
func EvalConvert(from, to dtypes.DType, bits uint64) (uint64, bool) {
	return evalConvert(from, to, bits)
}
