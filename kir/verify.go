package kir

import (
	"github.com/pkg/errors"
)

// Verify checks the structural invariants of a module:
//
//   - every block has exactly one terminator and consistent pred/succ edges;
//   - phi argument counts match predecessor counts;
//   - every value is defined exactly once and dominates all its uses
//     (phi uses are checked against the corresponding predecessor).
//
// The IR builder and every optimization pass must leave modules in a state
// Verify accepts; tests call it after each pass.
func Verify(m *Module) error {
	if err := verifyFunc(m.Entry); err != nil {
		return errors.Wrapf(err, "func %q", m.Entry.Name)
	}
	for name, f := range m.Helpers {
		if err := verifyFunc(f); err != nil {
			return errors.Wrapf(err, "helper %q", name)
		}
	}
	return nil
}

func verifyFunc(f *Func) error {
	reachable := make(map[*Block]bool)
	for _, b := range ReversePostorder(f) {
		reachable[b] = true
	}

	defBlock := make(map[*Value]*Block)
	for b := range reachable {
		if b.Term == nil {
			return errors.Errorf("block b%d has no terminator", b.ID)
		}
		if !b.Term.Op.IsTerminator() {
			return errors.Errorf("block b%d ends with non-terminator %s", b.ID, b.Term.Op)
		}
		switch b.Term.Op {
		case OpJump:
			if len(b.Succs) != 1 {
				return errors.Errorf("jump block b%d has %d successors", b.ID, len(b.Succs))
			}
		case OpBranch:
			if len(b.Succs) != 2 {
				return errors.Errorf("branch block b%d has %d successors", b.ID, len(b.Succs))
			}
		case OpReturn:
			if len(b.Succs) != 0 {
				return errors.Errorf("return block b%d has %d successors", b.ID, len(b.Succs))
			}
		}
		for _, s := range b.Succs {
			if !hasBlock(s.Preds, b) {
				return errors.Errorf("edge b%d->b%d missing from predecessor list", b.ID, s.ID)
			}
		}
		for _, p := range b.Preds {
			if reachable[p] && !hasBlock(p.Succs, b) {
				return errors.Errorf("edge b%d->b%d missing from successor list", p.ID, b.ID)
			}
		}
		for _, phi := range b.Phis {
			if len(phi.Args) != len(b.Preds) {
				return errors.Errorf("phi v%d in b%d has %d args for %d predecessors",
					phi.ID, b.ID, len(phi.Args), len(b.Preds))
			}
		}
		for v := range b.Values {
			if prev, dup := defBlock[v]; dup {
				return errors.Errorf("value v%d defined in both b%d and b%d", v.ID, prev.ID, b.ID)
			}
			defBlock[v] = b
		}
	}

	for _, p := range f.Params {
		defBlock[p] = f.Entry()
	}

	dom := BuildDomTree(f)
	position := make(map[*Value]int)
	for b := range reachable {
		i := 0
		for v := range b.Values {
			position[v] = i
			i++
		}
	}
	for b := range reachable {
		for v := range b.Values {
			if v.Op == OpPhi {
				for i, arg := range v.Args {
					if defBlock[arg] == nil {
						return errors.Errorf("phi v%d uses undefined value v%d", v.ID, arg.ID)
					}
					pred := b.Preds[i]
					if !dom.Dominates(defBlock[arg], pred) {
						return errors.Errorf("phi v%d arg v%d does not dominate predecessor b%d",
							v.ID, arg.ID, pred.ID)
					}
				}
				continue
			}
			for _, arg := range v.Args {
				db := defBlock[arg]
				if db == nil {
					return errors.Errorf("value v%d (%s) uses undefined value v%d", v.ID, v.Op, arg.ID)
				}
				if db == b {
					// Parameters are not in the instruction list; they
					// precede everything in the entry block.
					if pos, inBlock := position[arg]; inBlock && pos >= position[v] {
						return errors.Errorf("value v%d (%s) uses v%d before its definition in b%d",
							v.ID, v.Op, arg.ID, b.ID)
					}
				} else if !dom.Dominates(db, b) {
					return errors.Errorf("definition of v%d (in b%d) does not dominate use v%d (in b%d)",
						arg.ID, db.ID, v.ID, b.ID)
				}
			}
		}
	}
	return nil
}

func hasBlock(list []*Block, b *Block) bool {
	for _, x := range list {
		if x == b {
			return true
		}
	}
	return false
}
