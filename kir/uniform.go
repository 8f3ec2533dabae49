package kir

// Uniformity analysis: a value is group-uniform when every work-item of a
// group computes the same result for it. Barrier legality and the CPU
// backend's lane-group vectorizer both rely on it.
//
// Sources of divergence are the per-item intrinsics (local id) and anything
// read from memory (another item may have written it). Group id, grid/group
// dims, view metadata, parameters and constants are uniform; arithmetic over
// uniform inputs stays uniform.

// UniformSet computes the set of group-uniform values of f.
//
// Computed as a greatest fixpoint: everything starts uniform and values are
// demoted until stable, so loop counters advancing by uniform steps from a
// uniform start remain uniform even though their phis are cyclic.
func UniformSet(f *Func) map[*Value]bool {
	uniform := make(map[*Value]bool)
	blocks := ReversePostorder(f)
	for _, p := range f.Params {
		uniform[p] = true
	}
	for _, b := range blocks {
		for v := range b.Values {
			uniform[v] = true
		}
	}
	for changed := true; changed; {
		changed = false
		// A phi that merges values selected by a divergent branch is itself
		// divergent even when every incoming value is uniform. Rather than
		// tracking control dependence precisely, demote all phis while any
		// divergent branch exists -- conservative, and exact for the
		// vectorizer's "fully uniform control flow" question.
		divergentBranch := false
		for _, b := range blocks {
			if b.Term != nil && b.Term.Op == OpBranch && !uniform[b.Term.Args[0]] {
				divergentBranch = true
				break
			}
		}
		for _, b := range blocks {
			for v := range b.Values {
				if !uniform[v] {
					continue
				}
				if v.Op == OpPhi && divergentBranch {
					uniform[v] = false
					changed = true
					continue
				}
				if !stepUniform(v, uniform) {
					uniform[v] = false
					changed = true
				}
			}
		}
	}
	return uniform
}

// IsUniform reports whether v is group-uniform within its function.
func IsUniform(v *Value) bool {
	if v.Op == OpParam || v.Op == OpConst {
		return true
	}
	if v.Block == nil {
		return false
	}
	return UniformSet(v.Block.Func)[v]
}

func stepUniform(v *Value, uniform map[*Value]bool) bool {
	switch v.Op {
	case OpParam, OpConst, OpGroupID, OpGroupDim, OpGridDim,
		OpViewDim, OpViewStride, OpViewLen:
		return true
	case OpLocalID:
		return false
	case OpLoad, OpLoadLinear, OpSharedLoad, OpSharedLoadOff,
		OpAtomicAdd, OpAtomicAddLinear, OpCall:
		// Memory may have been written divergently; calls are opaque until
		// inlined.
		return false
	}
	for _, arg := range v.Args {
		if !uniform[arg] {
			return false
		}
	}
	return true
}
