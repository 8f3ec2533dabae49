// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package kir

// Inline replaces helper calls in the entry function with the callee's body.
// The call graph is acyclic (Build rejects recursion), so inlining
// terminates; MaxDepth and Budget bound the code growth anyway, and call
// sites beyond either bound are left in place for backends to reject.
type Inline struct {
	MaxDepth int
	Budget   int
}

// Name implements Pass.
func (*Inline) Name() string { return "inline" }

// Apply implements Pass.
func (p *Inline) Apply(m *Module) {
	maxDepth := p.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultPipelineOptions.InlineDepth
	}
	budget := p.Budget
	if budget <= 0 {
		budget = DefaultPipelineOptions.InlineBudget
	}

	f := m.Entry
	depths := make(map[*Value]int)
	for {
		call := findCall(f, depths, maxDepth, budget)
		if call == nil {
			return
		}
		callee := m.Helpers[call.AuxStr]
		if callee == nil {
			// Unknown callee: leave the call for the backend to reject.
			depths[call] = maxDepth + 1
			continue
		}
		inlineCall(f, call, callee, depths[call], depths)
	}
}

// findCall returns the next call eligible for inlining, or nil.
func findCall(f *Func, depths map[*Value]int, maxDepth, budget int) *Value {
	for _, b := range ReversePostorder(f) {
		for _, v := range b.Instrs {
			if v.Op != OpCall {
				continue
			}
			if depths[v] >= maxDepth || f.NumValues() >= budget {
				continue
			}
			return v
		}
	}
	return nil
}

// inlineCall splices a clone of callee into f at the call site.
func inlineCall(f *Func, call *Value, callee *Func, depth int, depths map[*Value]int) {
	host := call.Block

	// Split the host block: everything after the call moves to cont.
	callIdx := -1
	for i, v := range host.Instrs {
		if v == call {
			callIdx = i
			break
		}
	}
	cont := f.NewBlock()
	cont.Instrs = append(cont.Instrs, host.Instrs[callIdx+1:]...)
	for _, v := range cont.Instrs {
		v.Block = cont
	}
	host.Instrs = host.Instrs[:callIdx]
	cont.Term = host.Term
	cont.Term.Block = cont
	cont.Succs = host.Succs
	for _, s := range cont.Succs {
		for i, p := range s.Preds {
			if p == host {
				s.Preds[i] = cont
			}
		}
	}
	host.Succs = nil
	host.Term = nil

	entry, rets := cloneFuncBody(f, callee, call.Args, depth+1, depths)
	host.SetJump(entry)

	// Wire every return of the clone to the continuation.
	var result *Value
	switch len(rets) {
	case 0:
		// A function whose every path loops forever cannot pass Build;
		// keep the verifier honest anyway.
	case 1:
		rets[0].block.SetJump(cont)
		result = rets[0].value
	default:
		if call.Type.Kind == TypeVoid {
			for _, r := range rets {
				r.block.SetJump(cont)
			}
			break
		}
		phi := cont.AddPhi(call.Type)
		for _, r := range rets {
			r.block.SetJump(cont)
			phi.Args = append(phi.Args, r.value)
		}
		result = phi
	}
	if result != nil && call.Type.Kind != TypeVoid {
		replaceUses(f, call, result)
	}
}

type retSite struct {
	block *Block
	value *Value
}

// cloneFuncBody copies callee's blocks into f, substituting params with args.
// Returned blocks have their OpReturn terminators stripped; the caller
// connects them. Cloned calls are tagged with the given inline depth.
func cloneFuncBody(f *Func, callee *Func, args []*Value, depth int, depths map[*Value]int) (*Block, []retSite) {
	order := ReversePostorder(callee)
	blockMap := make(map[*Block]*Block, len(order))
	valueMap := make(map[*Value]*Value, callee.NumValues())
	for i, p := range callee.Params {
		valueMap[p] = args[i]
	}
	for _, b := range order {
		blockMap[b] = f.NewBlock()
	}

	mapArg := func(a *Value) *Value {
		if nv, ok := valueMap[a]; ok {
			return nv
		}
		return a
	}

	// First create all non-terminator values so cross-block (and phi)
	// references resolve regardless of order.
	for _, b := range order {
		nb := blockMap[b]
		for _, phi := range b.Phis {
			np := nb.AddPhi(phi.Type)
			valueMap[phi] = np
		}
		for _, v := range b.Instrs {
			nv := f.NewValue(v.Op, v.Type)
			nv.ConstBits, nv.AuxInt, nv.AuxStr = v.ConstBits, v.AuxInt, v.AuxStr
			nv.Block = nb
			nb.Instrs = append(nb.Instrs, nv)
			valueMap[v] = nv
			if v.Op == OpCall {
				depths[nv] = depth
			}
		}
	}

	var rets []retSite
	for _, b := range order {
		nb := blockMap[b]
		for i, phi := range b.Phis {
			for _, a := range phi.Args {
				nb.Phis[i].Args = append(nb.Phis[i].Args, mapArg(a))
			}
		}
		for i, v := range b.Instrs {
			for _, a := range v.Args {
				nb.Instrs[i].Args = append(nb.Instrs[i].Args, mapArg(a))
			}
		}
		// Structural copy of edges keeps predecessor order (and therefore
		// phi argument order) identical to the callee's.
		switch b.Term.Op {
		case OpReturn:
			var rv *Value
			if len(b.Term.Args) > 0 {
				rv = mapArg(b.Term.Args[0])
			}
			rets = append(rets, retSite{block: nb, value: rv})
		case OpJump:
			nt := f.NewValue(OpJump, VoidType)
			nt.Block = nb
			nb.Term = nt
			nb.Succs = []*Block{blockMap[b.Succs[0]]}
		case OpBranch:
			nt := f.NewValue(OpBranch, VoidType, mapArg(b.Term.Args[0]))
			nt.Block = nb
			nb.Term = nt
			nb.Succs = []*Block{blockMap[b.Succs[0]], blockMap[b.Succs[1]]}
		}
	}
	for _, b := range order {
		nb := blockMap[b]
		for _, p := range b.Preds {
			if blockMap[p] != nil {
				nb.Preds = append(nb.Preds, blockMap[p])
			}
		}
	}
	return blockMap[order[0]], rets
}
