// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package kir

import "github.com/velocore/velocore/types/dtypes"

// ViewLower rewrites multi-dimensional view accesses into their linear
// forms: the element offset becomes an explicit sum of index*stride
// products, and the access becomes OpLoadLinear/OpStoreLinear/
// OpAtomicAddLinear. Backends only ever see the linear ops.
type ViewLower struct{}

// Name implements Pass.
func (*ViewLower) Name() string { return "viewlower" }

// Apply implements Pass.
func (*ViewLower) Apply(m *Module) {
	eachFunc(m, lowerViews)
}

func lowerViews(f *Func) {
	for _, b := range f.Blocks {
		instrs := make([]*Value, 0, len(b.Instrs))
		for _, v := range b.Instrs {
			switch v.Op {
			case OpLoad:
				view := v.Args[0]
				lin := linearIndex(f, b, &instrs, view, v.Args[1:])
				v.Op = OpLoadLinear
				v.Args = []*Value{view, lin}
			case OpStore, OpAtomicAdd:
				view := v.Args[0]
				stored := v.Args[len(v.Args)-1]
				lin := linearIndex(f, b, &instrs, view, v.Args[1:len(v.Args)-1])
				if v.Op == OpStore {
					v.Op = OpStoreLinear
				} else {
					v.Op = OpAtomicAddLinear
				}
				v.Args = []*Value{view, lin, stored}
			}
			instrs = append(instrs, v)
		}
		b.Instrs = instrs
	}
}

// linearIndex emits index arithmetic in front of the access and returns the
// flat element offset. Views are row-major, so the innermost axis has
// stride one and needs no multiply.
func linearIndex(f *Func, b *Block, instrs *[]*Value, view *Value, index []*Value) *Value {
	last := len(index) - 1
	lin := index[last]
	for axis := last - 1; axis >= 0; axis-- {
		stride := f.NewValue(OpViewStride, ScalarType(dtypes.Int32), view)
		stride.AuxInt = int64(axis)
		stride.Block = b
		*instrs = append(*instrs, stride)

		mul := f.NewValue(OpMul, ScalarType(dtypes.Int32), index[axis], stride)
		mul.Block = b
		*instrs = append(*instrs, mul)

		add := f.NewValue(OpAdd, ScalarType(dtypes.Int32), lin, mul)
		add.Block = b
		*instrs = append(*instrs, add)
		lin = add
	}
	return lin
}
