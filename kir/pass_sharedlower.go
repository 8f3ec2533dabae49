// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package kir

// SharedLower assigns every shared array a byte offset in the group's
// shared memory segment and rewrites named shared accesses into their
// offset-based forms. Offsets are assigned in declaration order with
// 8-byte alignment; Func.SharedBytes ends up as the total segment size.
type SharedLower struct{}

// Name implements Pass.
func (*SharedLower) Name() string { return "sharedlower" }

// Apply implements Pass.
func (*SharedLower) Apply(m *Module) {
	f := m.Entry
	offsets := make(map[string]int64, len(f.Shared))
	var next int64
	for i := range f.Shared {
		alloc := &f.Shared[i]
		alloc.Offset = next
		offsets[alloc.Name] = next
		size := int64(alloc.Count) * int64(alloc.DType.Size())
		next += (size + 7) &^ 7
	}
	f.SharedBytes = next

	for _, b := range f.Blocks {
		for _, v := range b.Instrs {
			switch v.Op {
			case OpSharedLoad:
				v.Op = OpSharedLoadOff
				v.AuxInt = offsets[v.AuxStr]
			case OpSharedStore:
				v.Op = OpSharedStoreOff
				v.AuxInt = offsets[v.AuxStr]
			}
		}
	}
}
