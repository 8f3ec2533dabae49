// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package kir

// LICM hoists loop-invariant computations into the block preceding the
// loop header. Pure arithmetic, conversions and view metadata reads are
// hoisted when all their operands are defined outside the loop; loads are
// hoisted too, but only out of loops whose bodies write no memory.
type LICM struct{}

// Name implements Pass.
func (*LICM) Name() string { return "licm" }

// Apply implements Pass.
func (*LICM) Apply(m *Module) {
	eachFunc(m, hoistInvariants)
}

func hoistInvariants(f *Func) {
	dom := BuildDomTree(f)
	for _, loop := range FindLoops(f, dom) {
		pre := preheader(loop)
		if pre == nil {
			continue
		}
		writes := loopWritesMemory(loop)
		for changed := true; changed; {
			changed = false
			for b := range loop.Blocks {
				instrs := b.Instrs[:0]
				for _, v := range b.Instrs {
					if hoistable(v, loop, writes) {
						v.Block = pre
						pre.Instrs = append(pre.Instrs, v)
						changed = true
						continue
					}
					instrs = append(instrs, v)
				}
				b.Instrs = instrs
			}
		}
	}
}

// preheader returns the unique out-of-loop predecessor of the loop header,
// provided the header is its only successor. Loops built from the surface
// for-statement always have one; irregular flow just skips hoisting.
func preheader(loop *Loop) *Block {
	var pre *Block
	for _, p := range loop.Header.Preds {
		if loop.Blocks[p] {
			continue
		}
		if pre != nil {
			return nil
		}
		pre = p
	}
	if pre == nil || len(pre.Succs) != 1 {
		return nil
	}
	return pre
}

func loopWritesMemory(loop *Loop) bool {
	for b := range loop.Blocks {
		for _, v := range b.Instrs {
			if v.Op.HasSideEffects() {
				return true
			}
		}
	}
	return false
}

func hoistable(v *Value, loop *Loop, loopWrites bool) bool {
	switch {
	case v.Op == OpConst || v.Op == OpPhi:
		return false
	case v.Op.HasSideEffects():
		return false
	case v.Op.ReadsMemory() && loopWrites:
		return false
	}
	for _, a := range v.Args {
		if a.Block != nil && loop.Blocks[a.Block] {
			return false
		}
	}
	return true
}
