package kir

// Dominator computation using the simple iterative data-flow algorithm
// (Cooper, Harvey, Kennedy) over a reverse-postorder numbering. Kernel CFGs
// are small; the sophisticated near-linear algorithms are not worth their
// complexity here.

// ReversePostorder returns the blocks of f reachable from the entry, in
// reverse postorder.
func ReversePostorder(f *Func) []*Block {
	visited := make(map[*Block]bool, len(f.Blocks))
	var order []*Block
	var visit func(b *Block)
	visit = func(b *Block) {
		visited[b] = true
		for _, s := range b.Succs {
			if !visited[s] {
				visit(s)
			}
		}
		order = append(order, b)
	}
	visit(f.Entry())
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// DomTree maps every reachable block to its immediate dominator.
// The entry block maps to itself.
type DomTree struct {
	idom map[*Block]*Block
	rpo  map[*Block]int
}

// BuildDomTree computes the dominator tree of f's reachable blocks.
func BuildDomTree(f *Func) *DomTree {
	order := ReversePostorder(f)
	t := &DomTree{
		idom: make(map[*Block]*Block, len(order)),
		rpo:  make(map[*Block]int, len(order)),
	}
	for i, b := range order {
		t.rpo[b] = i
	}
	entry := f.Entry()
	t.idom[entry] = entry

	changed := true
	for changed {
		changed = false
		for _, b := range order {
			if b == entry {
				continue
			}
			var newIdom *Block
			for _, p := range b.Preds {
				if t.idom[p] == nil {
					continue // predecessor not processed yet (or unreachable)
				}
				if newIdom == nil {
					newIdom = p
				} else {
					newIdom = t.intersect(p, newIdom)
				}
			}
			if newIdom != nil && t.idom[b] != newIdom {
				t.idom[b] = newIdom
				changed = true
			}
		}
	}
	return t
}

func (t *DomTree) intersect(a, b *Block) *Block {
	for a != b {
		for t.rpo[a] > t.rpo[b] {
			a = t.idom[a]
		}
		for t.rpo[b] > t.rpo[a] {
			b = t.idom[b]
		}
	}
	return a
}

// IDom returns the immediate dominator of b (the entry dominates itself).
func (t *DomTree) IDom(b *Block) *Block { return t.idom[b] }

// Dominates reports whether a dominates b (reflexively).
func (t *DomTree) Dominates(a, b *Block) bool {
	for {
		if a == b {
			return true
		}
		next := t.idom[b]
		if next == nil || next == b {
			return false
		}
		b = next
	}
}

// Loop is one natural loop: the header, the set of member blocks and the
// blocks whose back edges target the header.
type Loop struct {
	Header  *Block
	Blocks  map[*Block]bool
	Latches []*Block
}

// FindLoops detects the natural loops of f from its back edges
// (edges whose target dominates their source).
func FindLoops(f *Func, dom *DomTree) []*Loop {
	byHeader := make(map[*Block]*Loop)
	var loops []*Loop
	for _, b := range ReversePostorder(f) {
		for _, s := range b.Succs {
			if !dom.Dominates(s, b) {
				continue // not a back edge
			}
			loop := byHeader[s]
			if loop == nil {
				loop = &Loop{Header: s, Blocks: map[*Block]bool{s: true}}
				byHeader[s] = loop
				loops = append(loops, loop)
			}
			loop.Latches = append(loop.Latches, b)
			// Walk backwards from the latch collecting the loop body.
			stack := []*Block{b}
			for len(stack) > 0 {
				n := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if loop.Blocks[n] {
					continue
				}
				loop.Blocks[n] = true
				stack = append(stack, n.Preds...)
			}
		}
	}
	return loops
}
