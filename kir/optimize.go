// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package kir

import (
	"k8s.io/klog/v2"
)

// Pass is one IR-to-IR rewrite. Passes mutate the module in place, must
// preserve observable semantics and must be idempotent: applying a pass to
// its own output changes nothing.
type Pass interface {
	Name() string
	Apply(*Module)
}

// PipelineOptions bound the work the optimizer does.
type PipelineOptions struct {
	// InlineDepth limits transitive inlining of helper calls.
	InlineDepth int

	// InlineBudget caps the number of values a function may grow to through
	// inlining; call sites beyond the budget stay as calls (and are then
	// rejected by backends that cannot lower calls).
	InlineBudget int

	// Rounds is the fixed number of times the pass list runs. The pipeline
	// deliberately does not iterate to a fixpoint: bounded, predictable
	// compile latency is worth more than the last drop of optimization.
	Rounds int
}

// DefaultPipelineOptions are used when the caller passes the zero value.
var DefaultPipelineOptions = PipelineOptions{
	InlineDepth:  8,
	InlineBudget: 16 * 1024,
	Rounds:       2,
}

// Passes returns the ordered pass list for the given options.
func Passes(opts PipelineOptions) []Pass {
	return []Pass{
		&Inline{MaxDepth: opts.InlineDepth, Budget: opts.InlineBudget},
		&ConstFold{},
		&BlockMerge{},
		&DeadCode{},
		&ViewLower{},
		&SharedLower{},
		&LICM{},
	}
}

// Optimize runs the pipeline over m in place.
func Optimize(m *Module, opts PipelineOptions) {
	if opts == (PipelineOptions{}) {
		opts = DefaultPipelineOptions
	}
	if opts.Rounds <= 0 {
		opts.Rounds = DefaultPipelineOptions.Rounds
	}
	passes := Passes(opts)
	for round := 0; round < opts.Rounds; round++ {
		for _, p := range passes {
			p.Apply(m)
			if klog.V(2).Enabled() {
				klog.Infof("kernel %q: pass %s (round %d) done", m.Name, p.Name(), round+1)
			}
		}
	}
}

// --- shared rewrite helpers ---

// replaceUses rewrites every use of old in f with new. Terminators and phis
// included; definitions are untouched.
func replaceUses(f *Func, old, new *Value) {
	for _, b := range f.Blocks {
		for v := range b.Values {
			for i, arg := range v.Args {
				if arg == old {
					v.Args[i] = new
				}
			}
		}
	}
}

// useCounts returns the number of uses of every value in f.
func useCounts(f *Func) map[*Value]int {
	uses := make(map[*Value]int)
	for _, b := range f.Blocks {
		for v := range b.Values {
			for _, arg := range v.Args {
				uses[arg]++
			}
		}
	}
	return uses
}

// removeEdge deletes the CFG edge from b to its successor at succIdx,
// dropping the corresponding phi arguments in the successor.
func removeEdge(b *Block, succIdx int) {
	succ := b.Succs[succIdx]
	b.Succs = append(b.Succs[:succIdx], b.Succs[succIdx+1:]...)
	for i, p := range succ.Preds {
		if p == b {
			succ.Preds = append(succ.Preds[:i], succ.Preds[i+1:]...)
			for _, phi := range succ.Phis {
				phi.Args = append(phi.Args[:i], phi.Args[i+1:]...)
			}
			break
		}
	}
}

// removeInstr deletes v from its block's instruction list.
func removeInstr(v *Value) {
	b := v.Block
	for i, x := range b.Instrs {
		if x == v {
			b.Instrs = append(b.Instrs[:i], b.Instrs[i+1:]...)
			return
		}
	}
}

// compactBlocks drops blocks not reachable from the entry, trimming stale
// predecessor edges (and their phi args) from surviving blocks.
func compactBlocks(f *Func) {
	reachable := make(map[*Block]bool)
	for _, b := range ReversePostorder(f) {
		reachable[b] = true
	}
	for _, b := range f.Blocks {
		if !reachable[b] {
			continue
		}
		for i := len(b.Preds) - 1; i >= 0; i-- {
			if !reachable[b.Preds[i]] {
				b.Preds = append(b.Preds[:i], b.Preds[i+1:]...)
				for _, phi := range b.Phis {
					phi.Args = append(phi.Args[:i], phi.Args[i+1:]...)
				}
			}
		}
	}
	kept := f.Blocks[:0]
	for _, b := range f.Blocks {
		if reachable[b] {
			kept = append(kept, b)
		}
	}
	f.Blocks = kept
}

// eachFunc applies fn to the entry and every helper.
func eachFunc(m *Module, fn func(*Func)) {
	fn(m.Entry)
	for _, f := range m.Helpers {
		fn(f)
	}
}
