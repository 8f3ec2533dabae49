package kir

// DeadCode removes pure values with no remaining uses. Stores, atomics,
// barriers and terminators are always live; loads are pure for this purpose
// (an unobserved load has no effect).
type DeadCode struct{}

// Name implements Pass.
func (*DeadCode) Name() string { return "deadcode" }

// Apply implements Pass.
func (*DeadCode) Apply(m *Module) {
	eachFunc(m, deadCodeFunc)
}

func deadCodeFunc(f *Func) {
	for changed := true; changed; {
		changed = false
		uses := useCounts(f)
		for _, b := range f.Blocks {
			kept := b.Instrs[:0]
			for _, v := range b.Instrs {
				if v.Op.HasSideEffects() || uses[v] > 0 {
					kept = append(kept, v)
					continue
				}
				changed = true
			}
			b.Instrs = kept

			keptPhis := b.Phis[:0]
			for _, phi := range b.Phis {
				if uses[phi] > usesOfSelf(phi) {
					keptPhis = append(keptPhis, phi)
					continue
				}
				changed = true
			}
			b.Phis = keptPhis
		}
	}
}

func usesOfSelf(phi *Value) int {
	n := 0
	for _, arg := range phi.Args {
		if arg == phi {
			n++
		}
	}
	return n
}
