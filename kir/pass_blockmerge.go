package kir

// BlockMerge simplifies the CFG:
//
//   - branches on constant conditions become jumps (the dead edge is removed
//     together with its phi arguments);
//   - blocks left unreachable are dropped;
//   - a block with a single successor whose only predecessor it is gets the
//     successor spliced into it.
type BlockMerge struct{}

// Name implements Pass.
func (*BlockMerge) Name() string { return "blockmerge" }

// Apply implements Pass.
func (*BlockMerge) Apply(m *Module) {
	eachFunc(m, blockMergeFunc)
}

func blockMergeFunc(f *Func) {
	for changed := true; changed; {
		changed = false

		for _, b := range ReversePostorder(f) {
			if b.Term.Op != OpBranch || b.Term.Args[0].Op != OpConst {
				continue
			}
			deadIdx := 1 // branch taken: successor 1 is dead
			if !b.Term.Args[0].ConstBool() {
				deadIdx = 0
			}
			removeEdge(b, deadIdx)
			jump := f.NewValue(OpJump, VoidType)
			jump.Block = b
			b.Term = jump
			changed = true
		}
		if changed {
			compactBlocks(f)
		}

		for _, b := range ReversePostorder(f) {
			if b.Term.Op != OpJump {
				continue
			}
			succ := b.Succs[0]
			if succ == b || len(succ.Preds) != 1 {
				continue
			}
			// Splice succ into b. A single-predecessor block cannot have
			// meaningful phis: rewrite them to their only argument.
			for _, phi := range succ.Phis {
				replaceUses(f, phi, phi.Args[0])
			}
			for _, v := range succ.Instrs {
				v.Block = b
			}
			b.Instrs = append(b.Instrs, succ.Instrs...)
			b.Term = succ.Term
			b.Term.Block = b
			b.Succs = succ.Succs
			for _, next := range succ.Succs {
				for i, p := range next.Preds {
					if p == succ {
						next.Preds[i] = b
					}
				}
			}
			succ.Preds, succ.Succs, succ.Instrs, succ.Phis, succ.Term = nil, nil, nil, nil, nil
			compactBlocks(f)
			changed = true
			break // block list changed under us; restart the scan
		}
	}
}
