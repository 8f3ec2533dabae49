// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package kir

import (
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/velocore/velocore/kernel"
	"github.com/velocore/velocore/types/dtypes"
	"github.com/velocore/velocore/types/kerrors"
)

// Build translates a kernel signature into a verified SSA module.
//
// constants binds scalar parameters to compile-time values (the "constant
// arguments" part of a launch specialization); bound parameters disappear
// from the runtime argument list.
//
// Build is a pure function of (signature, constants): it touches no device
// state and reports unrepresentable constructs with
// kerrors.ErrUnsupportedConstruct.
func Build(sig *kernel.Signature, constants map[string]any) (*Module, error) {
	m := &Module{
		Name:    sig.Entry().Name,
		Helpers: make(map[string]*Func),
	}
	if err := checkRecursion(sig.Library(), sig.Entry()); err != nil {
		return nil, err
	}
	entry, err := buildFunc(sig.Library(), sig.Entry(), constants, true)
	if err != nil {
		return nil, err
	}
	m.Entry = entry

	// Build every helper reachable through calls.
	pending := collectCallees(sig.Entry())
	for len(pending) > 0 {
		name := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, done := m.Helpers[name]; done {
			continue
		}
		astFn := sig.Library().Func(name)
		if astFn == nil {
			return nil, errors.Wrapf(kerrors.ErrUnsupportedConstruct, "call to unknown function %q", name)
		}
		fn, err := buildFunc(sig.Library(), astFn, nil, false)
		if err != nil {
			return nil, err
		}
		m.Helpers[name] = fn
		pending = append(pending, collectCallees(astFn)...)
	}
	if err := Verify(m); err != nil {
		return nil, errors.Wrap(err, "IR construction produced an invalid module")
	}
	return m, nil
}

// builder holds the state of the AST to SSA translation of one function.
// SSA construction follows the usual sealed-blocks algorithm: variable reads
// recurse through predecessors, placing phis at joins and completing them when
// loop headers are sealed.
type builder struct {
	lib   *kernel.Library
	astFn *kernel.Func
	f     *Func

	cur        *Block
	terminated bool

	defs           map[*Block]map[string]*Value
	sealed         map[*Block]bool
	incompletePhis map[*Block]map[string]*Value
	varTypes       map[string]Type

	params map[string]*Value // view params and unbound scalar params
	shared map[string]int    // shared declaration name -> index in f.Shared

	// controls holds the conditions of the enclosing If/For statements;
	// barriers are only legal when all of them are group-uniform.
	controls []*Value
}

func buildFunc(lib *kernel.Library, astFn *kernel.Func, constants map[string]any, isEntry bool) (*Func, error) {
	b := &builder{
		lib:            lib,
		astFn:          astFn,
		f:              NewFunc(astFn.Name),
		defs:           make(map[*Block]map[string]*Value),
		sealed:         make(map[*Block]bool),
		incompletePhis: make(map[*Block]map[string]*Value),
		varTypes:       make(map[string]Type),
		params:         make(map[string]*Value),
		shared:         make(map[string]int),
	}
	b.cur = b.f.Entry()
	b.sealed[b.cur] = true
	if astFn.Returns.Ok() {
		b.f.Returns = ScalarType(astFn.Returns)
	}

	for i, p := range astFn.Params {
		switch p.Kind {
		case kernel.ViewParam:
			if p.Rank < 1 || p.Rank > kernel.MaxViewRank {
				return nil, errors.Wrapf(kerrors.ErrUnsupportedConstruct,
					"view %q has rank %d, supported range is [1, %d]", p.Name, p.Rank, kernel.MaxViewRank)
			}
			v := b.f.NewValue(OpParam, ViewType(p.DType, p.Rank))
			v.AuxStr, v.AuxInt = p.Name, int64(len(b.f.Params))
			v.Block = b.f.Entry()
			b.f.Params = append(b.f.Params, v)
			b.params[p.Name] = v
		case kernel.ScalarParam:
			if bound, ok := constants[p.Name]; ok {
				cv, err := b.constFromAny(p.DType, bound)
				if err != nil {
					return nil, errors.Wrapf(err, "specialization constant %q", p.Name)
				}
				b.params[p.Name] = cv
				continue
			}
			v := b.f.NewValue(OpParam, ScalarType(p.DType))
			v.AuxStr, v.AuxInt = p.Name, int64(len(b.f.Params))
			v.Block = b.f.Entry()
			b.f.Params = append(b.f.Params, v)
			b.params[p.Name] = v
		default:
			return nil, errors.Wrapf(kerrors.ErrUnsupportedConstruct, "parameter %q (#%d) has unknown kind", p.Name, i)
		}
	}

	if err := b.buildStmts(astFn.Body, isEntry, true); err != nil {
		return nil, err
	}
	if !b.terminated {
		if b.f.Returns.Kind != TypeVoid {
			return nil, errors.Errorf("function %q can fall off its end without returning a value", astFn.Name)
		}
		b.cur.SetReturn(nil)
	}
	return b.f, nil
}

// checkRecursion rejects cycles in the call graph. Kernels must inline
// completely, so recursion (including mutual recursion) is unrepresentable.
func checkRecursion(lib *kernel.Library, entry *kernel.Func) error {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	var visit func(f *kernel.Func) error
	visit = func(f *kernel.Func) error {
		state[f.Name] = visiting
		for _, name := range collectCallees(f) {
			switch state[name] {
			case visiting:
				return errors.Wrapf(kerrors.ErrUnsupportedConstruct, "recursive call involving %q", name)
			case done:
				continue
			}
			callee := lib.Func(name)
			if callee == nil {
				return errors.Wrapf(kerrors.ErrUnsupportedConstruct, "call to unknown function %q", name)
			}
			if err := visit(callee); err != nil {
				return err
			}
		}
		state[f.Name] = done
		return nil
	}
	return visit(entry)
}

func collectCallees(f *kernel.Func) []string {
	var names []string
	var walkExpr func(e kernel.Expr)
	var walkStmts func(stmts []kernel.Stmt)
	walkExpr = func(e kernel.Expr) {
		switch e := e.(type) {
		case *kernel.Binary:
			walkExpr(e.X)
			walkExpr(e.Y)
		case *kernel.Unary:
			walkExpr(e.X)
		case *kernel.Convert:
			walkExpr(e.X)
		case *kernel.Select:
			walkExpr(e.Cond)
			walkExpr(e.X)
			walkExpr(e.Y)
		case *kernel.Load:
			for _, ix := range e.Index {
				walkExpr(ix)
			}
		case *kernel.SharedLoad:
			walkExpr(e.Index)
		case *kernel.Call:
			names = append(names, e.Func)
			for _, a := range e.Args {
				walkExpr(a)
			}
		}
	}
	walkStmts = func(stmts []kernel.Stmt) {
		for _, s := range stmts {
			switch s := s.(type) {
			case *kernel.Assign:
				walkExpr(s.Value)
			case *kernel.Store:
				for _, ix := range s.Index {
					walkExpr(ix)
				}
				walkExpr(s.Value)
			case *kernel.AtomicAdd:
				for _, ix := range s.Index {
					walkExpr(ix)
				}
				walkExpr(s.Value)
			case *kernel.If:
				walkExpr(s.Cond)
				walkStmts(s.Then)
				walkStmts(s.Else)
			case *kernel.For:
				walkExpr(s.Start)
				walkExpr(s.Limit)
				walkExpr(s.Step)
				walkStmts(s.Body)
			case *kernel.Return:
				if s.Value != nil {
					walkExpr(s.Value)
				}
			case *kernel.DeclShared:
				walkExpr(s.Count)
			case *kernel.SharedStore:
				walkExpr(s.Index)
				walkExpr(s.Value)
			case *kernel.Eval:
				walkExpr(s.Value)
			}
		}
	}
	walkStmts(f.Body)
	return names
}

// --- variable handling (sealed-blocks SSA construction) ---

func (b *builder) writeVar(name string, block *Block, v *Value) {
	m := b.defs[block]
	if m == nil {
		m = make(map[string]*Value)
		b.defs[block] = m
	}
	m[name] = v
}

func (b *builder) readVar(name string, block *Block) (*Value, error) {
	if v, ok := b.defs[block][name]; ok {
		return v, nil
	}
	return b.readVarRecursive(name, block)
}

func (b *builder) readVarRecursive(name string, block *Block) (*Value, error) {
	t, typed := b.varTypes[name]
	if !typed {
		return nil, errors.Errorf("variable %q read before assignment in %q", name, b.astFn.Name)
	}
	var v *Value
	if !b.sealed[block] {
		// Loop header still growing: placeholder phi, completed on seal.
		v = block.AddPhi(t)
		m := b.incompletePhis[block]
		if m == nil {
			m = make(map[string]*Value)
			b.incompletePhis[block] = m
		}
		m[name] = v
	} else if len(block.Preds) == 1 {
		var err error
		v, err = b.readVar(name, block.Preds[0])
		if err != nil {
			return nil, err
		}
	} else if len(block.Preds) == 0 {
		return nil, errors.Errorf("variable %q may be undefined in %q", name, b.astFn.Name)
	} else {
		v = block.AddPhi(t)
		b.writeVar(name, block, v)
		if err := b.addPhiOperands(name, v); err != nil {
			return nil, err
		}
	}
	b.writeVar(name, block, v)
	return v, nil
}

func (b *builder) addPhiOperands(name string, phi *Value) error {
	for _, pred := range phi.Block.Preds {
		arg, err := b.readVar(name, pred)
		if err != nil {
			return err
		}
		phi.Args = append(phi.Args, arg)
	}
	return nil
}

func (b *builder) sealBlock(block *Block) error {
	for name, phi := range b.incompletePhis[block] {
		if err := b.addPhiOperands(name, phi); err != nil {
			return err
		}
	}
	delete(b.incompletePhis, block)
	b.sealed[block] = true
	return nil
}

// --- statements ---

func (b *builder) buildStmts(stmts []kernel.Stmt, isEntry, topLevel bool) error {
	for _, s := range stmts {
		if b.terminated {
			return errors.Errorf("unreachable statement after return in %q", b.astFn.Name)
		}
		if err := b.buildStmt(s, isEntry, topLevel); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) buildStmt(s kernel.Stmt, isEntry, topLevel bool) error {
	switch s := s.(type) {
	case *kernel.Assign:
		v, err := b.buildExpr(s.Value)
		if err != nil {
			return err
		}
		if prev, ok := b.varTypes[s.Var]; ok {
			if prev != v.Type {
				return errors.Errorf("variable %q reassigned with dtype %s, was %s", s.Var, v.Type.DType, prev.DType)
			}
		} else {
			if !v.Type.IsScalar() {
				return errors.Errorf("variable %q must hold a scalar", s.Var)
			}
			b.varTypes[s.Var] = v.Type
		}
		b.writeVar(s.Var, b.cur, v)
		return nil

	case *kernel.Store:
		return b.buildViewWrite(OpStore, s.View, s.Index, s.Value)

	case *kernel.AtomicAdd:
		view, ok := b.params[s.View]
		if !ok || !view.Type.IsView() {
			return errors.Errorf("atomic add target %q is not a view parameter", s.View)
		}
		if view.Type.DType == dtypes.Float16 || view.Type.DType == dtypes.Bool {
			return errors.Wrapf(kerrors.ErrUnsupportedConstruct, "atomic add on %s view %q", view.Type.DType, s.View)
		}
		return b.buildViewWrite(OpAtomicAdd, s.View, s.Index, s.Value)

	case *kernel.If:
		return b.buildIf(s, isEntry)

	case *kernel.For:
		return b.buildFor(s, isEntry)

	case *kernel.Barrier:
		if !isEntry {
			// Helpers inherit the caller's control context only after
			// inlining; requiring barriers in the entry keeps the uniformity
			// check honest.
			return errors.Wrap(kerrors.ErrUnsupportedConstruct, "barrier inside a helper function")
		}
		for _, cond := range b.controls {
			if !IsUniform(cond) {
				return errors.Wrap(kerrors.ErrUnsupportedConstruct, "barrier inside divergent control flow")
			}
		}
		b.cur.NewInstr(OpBarrier, VoidType)
		return nil

	case *kernel.Return:
		if b.f.Returns.Kind == TypeVoid {
			if s.Value != nil {
				return errors.Errorf("kernel %q cannot return a value", b.astFn.Name)
			}
			b.cur.SetReturn(nil)
		} else {
			if s.Value == nil {
				return errors.Errorf("function %q must return a %s", b.astFn.Name, b.f.Returns.DType)
			}
			v, err := b.buildExpr(s.Value)
			if err != nil {
				return err
			}
			if v.Type != b.f.Returns {
				return errors.Errorf("function %q returns %s, declared %s", b.astFn.Name, v.Type.DType, b.f.Returns.DType)
			}
			b.cur.SetReturn(v)
		}
		b.terminated = true
		return nil

	case *kernel.DeclShared:
		if !isEntry {
			return errors.Wrap(kerrors.ErrUnsupportedConstruct, "shared memory declared in a helper function")
		}
		if !topLevel {
			return errors.Wrap(kerrors.ErrUnsupportedConstruct, "shared memory declared inside control flow")
		}
		if _, dup := b.shared[s.Name]; dup {
			return errors.Errorf("shared array %q declared twice", s.Name)
		}
		count, err := b.buildExpr(s.Count)
		if err != nil {
			return err
		}
		if count.Op != OpConst || !count.Type.DType.IsInt() {
			return errors.Wrapf(kerrors.ErrUnsupportedConstruct,
				"shared array %q size does not fold to an integer constant", s.Name)
		}
		if count.ConstInt() <= 0 {
			return errors.Errorf("shared array %q has non-positive size %d", s.Name, count.ConstInt())
		}
		b.shared[s.Name] = len(b.f.Shared)
		b.f.Shared = append(b.f.Shared, SharedAlloc{
			Name: s.Name, DType: s.DType, Count: count.ConstInt(), Offset: -1,
		})
		return nil

	case *kernel.SharedStore:
		idx, ok := b.shared[s.Name]
		if !ok {
			return errors.Errorf("shared array %q not declared", s.Name)
		}
		alloc := b.f.Shared[idx]
		index, err := b.buildIndex(s.Index)
		if err != nil {
			return err
		}
		value, err := b.buildExpr(s.Value)
		if err != nil {
			return err
		}
		if value.Type.DType != alloc.DType {
			return errors.Errorf("storing %s into shared %s array %q", value.Type.DType, alloc.DType, s.Name)
		}
		st := b.cur.NewInstr(OpSharedStore, VoidType, index, value)
		st.AuxStr = s.Name
		return nil

	case *kernel.Eval:
		_, err := b.buildExpr(s.Value)
		return err
	}
	return errors.Wrapf(kerrors.ErrUnsupportedConstruct, "statement %T", s)
}

func (b *builder) buildViewWrite(op OpCode, viewName string, index []kernel.Expr, value kernel.Expr) error {
	view, ok := b.params[viewName]
	if !ok || !view.Type.IsView() {
		return errors.Errorf("store target %q is not a view parameter", viewName)
	}
	if len(index) != int(view.Type.Rank) {
		return errors.Errorf("view %q has rank %d, indexed with %d indices", viewName, view.Type.Rank, len(index))
	}
	args := make([]*Value, 0, len(index)+2)
	args = append(args, view)
	for _, ix := range index {
		iv, err := b.buildIndex(ix)
		if err != nil {
			return err
		}
		args = append(args, iv)
	}
	v, err := b.buildExpr(value)
	if err != nil {
		return err
	}
	if v.Type.DType != view.Type.DType {
		return errors.Errorf("storing %s into %s view %q", v.Type.DType, view.Type.DType, viewName)
	}
	args = append(args, v)
	b.cur.NewInstr(op, VoidType, args...)
	return nil
}

func (b *builder) buildIf(s *kernel.If, isEntry bool) error {
	cond, err := b.buildExpr(s.Cond)
	if err != nil {
		return err
	}
	if cond.Type.DType != dtypes.Bool {
		return errors.Errorf("if condition must be Bool, got %s", cond.Type.DType)
	}
	thenB := b.f.NewBlock()
	elseB := b.f.NewBlock()
	join := b.f.NewBlock()
	b.cur.SetBranch(cond, thenB, elseB)
	b.sealed[thenB] = true
	b.sealed[elseB] = true

	b.controls = append(b.controls, cond)
	defer func() { b.controls = b.controls[:len(b.controls)-1] }()

	b.cur, b.terminated = thenB, false
	if err := b.buildStmts(s.Then, isEntry, false); err != nil {
		return err
	}
	thenTerminated := b.terminated
	if !thenTerminated {
		b.cur.SetJump(join)
	}

	b.cur, b.terminated = elseB, false
	if err := b.buildStmts(s.Else, isEntry, false); err != nil {
		return err
	}
	elseTerminated := b.terminated
	if !elseTerminated {
		b.cur.SetJump(join)
	}

	if err := b.sealBlock(join); err != nil {
		return err
	}
	b.cur = join
	b.terminated = thenTerminated && elseTerminated
	return nil
}

func (b *builder) buildFor(s *kernel.For, isEntry bool) error {
	start, err := b.buildExpr(s.Start)
	if err != nil {
		return err
	}
	if !start.Type.DType.IsInt() {
		return errors.Wrapf(kerrors.ErrUnsupportedConstruct, "loop %q over non-integer dtype %s", s.Var, start.Type.DType)
	}
	limit, err := b.buildExpr(s.Limit)
	if err != nil {
		return err
	}
	step, err := b.buildExpr(s.Step)
	if err != nil {
		return err
	}
	if limit.Type != start.Type || step.Type != start.Type {
		return errors.Errorf("loop %q bounds disagree in dtype", s.Var)
	}
	// Counted loops only: a non-constant or non-positive step has no IR
	// representation (it may never terminate).
	if step.Op != OpConst || step.ConstInt() <= 0 {
		return errors.Wrapf(kerrors.ErrUnsupportedConstruct, "loop %q step is not a positive constant", s.Var)
	}

	if prev, ok := b.varTypes[s.Var]; ok && prev != start.Type {
		return errors.Errorf("loop variable %q reuses name with different dtype", s.Var)
	}
	b.varTypes[s.Var] = start.Type
	b.writeVar(s.Var, b.cur, start)

	header := b.f.NewBlock()
	body := b.f.NewBlock()
	exit := b.f.NewBlock()
	b.cur.SetJump(header)

	// The header is sealed only once the latch edge exists.
	b.cur = header
	iv, err := b.readVar(s.Var, header)
	if err != nil {
		return err
	}
	cond := b.cur.NewInstr(OpLt, ScalarType(dtypes.Bool), iv, limit)
	header.SetBranch(cond, body, exit)
	b.sealed[body] = true

	b.controls = append(b.controls, cond)
	defer func() { b.controls = b.controls[:len(b.controls)-1] }()

	b.cur, b.terminated = body, false
	if err := b.buildStmts(s.Body, isEntry, false); err != nil {
		return err
	}
	if b.terminated {
		return errors.Wrapf(kerrors.ErrUnsupportedConstruct, "return from inside loop %q", s.Var)
	}
	latchIV, err := b.readVar(s.Var, b.cur)
	if err != nil {
		return err
	}
	next := b.cur.NewInstr(OpAdd, start.Type, latchIV, step)
	b.writeVar(s.Var, b.cur, next)
	b.cur.SetJump(header)
	if err := b.sealBlock(header); err != nil {
		return err
	}

	if err := b.sealBlock(exit); err != nil {
		return err
	}
	b.cur, b.terminated = exit, false
	return nil
}

// --- expressions ---

func (b *builder) buildIndex(e kernel.Expr) (*Value, error) {
	v, err := b.buildExpr(e)
	if err != nil {
		return nil, err
	}
	if v.Type.DType != dtypes.Int32 {
		return nil, errors.Errorf("indices must be Int32, got %s", v.Type.DType)
	}
	return v, nil
}

func (b *builder) buildExpr(e kernel.Expr) (*Value, error) {
	switch e := e.(type) {
	case *kernel.Const:
		return b.constFromAny(e.DType, e.Value)

	case *kernel.Ref:
		if v, ok := b.defs[b.cur][e.Name]; ok {
			return v, nil
		}
		if _, isVar := b.varTypes[e.Name]; isVar {
			return b.readVar(e.Name, b.cur)
		}
		if p, ok := b.params[e.Name]; ok {
			return p, nil
		}
		return b.readVar(e.Name, b.cur) // reports the undefined-variable error

	case *kernel.Binary:
		return b.buildBinary(e)

	case *kernel.Unary:
		return b.buildUnary(e)

	case *kernel.Convert:
		x, err := b.buildExpr(e.X)
		if err != nil {
			return nil, err
		}
		if !x.Type.IsScalar() || x.Type.DType == dtypes.Bool || !e.To.Ok() || e.To == dtypes.Bool {
			return nil, errors.Wrapf(kerrors.ErrUnsupportedConstruct, "conversion %s -> %s", x.Type.DType, e.To)
		}
		if x.Type.DType == e.To {
			return x, nil
		}
		return b.cur.NewInstr(OpConvert, ScalarType(e.To), x), nil

	case *kernel.Select:
		cond, err := b.buildExpr(e.Cond)
		if err != nil {
			return nil, err
		}
		if cond.Type.DType != dtypes.Bool {
			return nil, errors.Errorf("select condition must be Bool, got %s", cond.Type.DType)
		}
		x, err := b.buildExpr(e.X)
		if err != nil {
			return nil, err
		}
		y, err := b.buildExpr(e.Y)
		if err != nil {
			return nil, err
		}
		if x.Type != y.Type {
			return nil, errors.Errorf("select arms disagree: %s vs %s", x.Type.DType, y.Type.DType)
		}
		return b.cur.NewInstr(OpSelect, x.Type, cond, x, y), nil

	case *kernel.Load:
		view, ok := b.params[e.View]
		if !ok || !view.Type.IsView() {
			return nil, errors.Errorf("load source %q is not a view parameter", e.View)
		}
		if len(e.Index) != int(view.Type.Rank) {
			return nil, errors.Errorf("view %q has rank %d, indexed with %d indices", e.View, view.Type.Rank, len(e.Index))
		}
		args := make([]*Value, 0, len(e.Index)+1)
		args = append(args, view)
		for _, ix := range e.Index {
			iv, err := b.buildIndex(ix)
			if err != nil {
				return nil, err
			}
			args = append(args, iv)
		}
		return b.cur.NewInstr(OpLoad, ScalarType(view.Type.DType), args...), nil

	case *kernel.SharedLoad:
		idx, ok := b.shared[e.Name]
		if !ok {
			return nil, errors.Errorf("shared array %q not declared", e.Name)
		}
		iv, err := b.buildIndex(e.Index)
		if err != nil {
			return nil, err
		}
		ld := b.cur.NewInstr(OpSharedLoad, ScalarType(b.f.Shared[idx].DType), iv)
		ld.AuxStr = e.Name
		return ld, nil

	case *kernel.Intrinsic:
		if e.Axis < 0 || e.Axis > 2 {
			return nil, errors.Errorf("intrinsic axis %d out of range [0, 2]", e.Axis)
		}
		mkIntr := func(op OpCode) *Value {
			v := b.cur.NewInstr(op, ScalarType(dtypes.Int32))
			v.AuxInt = int64(e.Axis)
			return v
		}
		switch e.Kind {
		case kernel.IntrLocalID:
			return mkIntr(OpLocalID), nil
		case kernel.IntrGroupID:
			return mkIntr(OpGroupID), nil
		case kernel.IntrGroupDim:
			return mkIntr(OpGroupDim), nil
		case kernel.IntrGridDim:
			return mkIntr(OpGridDim), nil
		case kernel.IntrGlobalID:
			// GlobalID has no op of its own: group_id*group_dim + local_id.
			mul := b.cur.NewInstr(OpMul, ScalarType(dtypes.Int32), mkIntr(OpGroupID), mkIntr(OpGroupDim))
			return b.cur.NewInstr(OpAdd, ScalarType(dtypes.Int32), mul, mkIntr(OpLocalID)), nil
		}
		return nil, errors.Wrapf(kerrors.ErrUnsupportedConstruct, "intrinsic kind %d", e.Kind)

	case *kernel.ViewDim:
		view, ok := b.params[e.View]
		if !ok || !view.Type.IsView() {
			return nil, errors.Errorf("%q is not a view parameter", e.View)
		}
		if e.Axis < 0 || e.Axis >= int(view.Type.Rank) {
			return nil, errors.Errorf("axis %d out of range for view %q of rank %d", e.Axis, e.View, view.Type.Rank)
		}
		v := b.cur.NewInstr(OpViewDim, ScalarType(dtypes.Int32), view)
		v.AuxInt = int64(e.Axis)
		return v, nil

	case *kernel.ViewLen:
		view, ok := b.params[e.View]
		if !ok || !view.Type.IsView() {
			return nil, errors.Errorf("%q is not a view parameter", e.View)
		}
		return b.cur.NewInstr(OpViewLen, ScalarType(dtypes.Int32), view), nil

	case *kernel.Call:
		callee := b.lib.Func(e.Func)
		if callee == nil {
			return nil, errors.Wrapf(kerrors.ErrUnsupportedConstruct, "call to unknown function %q", e.Func)
		}
		if !callee.Returns.Ok() {
			return nil, errors.Errorf("called function %q returns nothing", e.Func)
		}
		if len(e.Args) != len(callee.Params) {
			return nil, errors.Errorf("call to %q with %d args, wants %d", e.Func, len(e.Args), len(callee.Params))
		}
		args := make([]*Value, 0, len(e.Args))
		for i, a := range e.Args {
			av, err := b.buildExpr(a)
			if err != nil {
				return nil, err
			}
			p := callee.Params[i]
			switch p.Kind {
			case kernel.ScalarParam:
				if !av.Type.IsScalar() || av.Type.DType != p.DType {
					return nil, errors.Errorf("call to %q: arg %d must be scalar %s", e.Func, i, p.DType)
				}
			case kernel.ViewParam:
				if !av.Type.IsView() || av.Type.DType != p.DType || int(av.Type.Rank) != p.Rank {
					return nil, errors.Errorf("call to %q: arg %d must be a rank-%d %s view", e.Func, i, p.Rank, p.DType)
				}
			}
			args = append(args, av)
		}
		call := b.cur.NewInstr(OpCall, ScalarType(callee.Returns), args...)
		call.AuxStr = e.Func
		return call, nil
	}
	return nil, errors.Wrapf(kerrors.ErrUnsupportedConstruct, "expression %T", e)
}

func (b *builder) buildBinary(e *kernel.Binary) (*Value, error) {
	x, err := b.buildExpr(e.X)
	if err != nil {
		return nil, err
	}
	y, err := b.buildExpr(e.Y)
	if err != nil {
		return nil, err
	}
	if !x.Type.IsScalar() || x.Type != y.Type {
		return nil, errors.Errorf("binary op %d operands disagree: %s vs %s", e.Op, x.Type.DType, y.Type.DType)
	}
	dtype := x.Type.DType
	if dtype == dtypes.Float16 {
		return nil, errors.Wrap(kerrors.ErrUnsupportedConstruct,
			"arithmetic on Float16 values, convert to Float32 first")
	}

	var op OpCode
	result := x.Type
	switch e.Op {
	case kernel.OpAdd, kernel.OpSub, kernel.OpMul, kernel.OpDiv, kernel.OpRem,
		kernel.OpMin, kernel.OpMax:
		if dtype == dtypes.Bool {
			return nil, errors.Errorf("arithmetic on Bool values")
		}
		op = [...]OpCode{OpAdd, OpSub, OpMul, OpDiv, OpRem, OpMin, OpMax}[e.Op-kernel.OpAdd]
	case kernel.OpAnd, kernel.OpOr, kernel.OpXor:
		if dtype.IsFloat() {
			return nil, errors.Errorf("bitwise op on %s values", dtype)
		}
		op = [...]OpCode{OpAnd, OpOr, OpXor}[e.Op-kernel.OpAnd]
	case kernel.OpEq, kernel.OpNe, kernel.OpLt, kernel.OpLe, kernel.OpGt, kernel.OpGe:
		op = [...]OpCode{OpEq, OpNe, OpLt, OpLe, OpGt, OpGe}[e.Op-kernel.OpEq]
		result = ScalarType(dtypes.Bool)
	default:
		return nil, errors.Wrapf(kerrors.ErrUnsupportedConstruct, "binary operator %d", e.Op)
	}

	// Fold constants eagerly: specialization constants feed loop bounds and
	// shared-memory sizes, which must be resolved during construction.
	if x.Op == OpConst && y.Op == OpConst {
		if folded, ok := foldBinary(b.f, op, result, x, y); ok {
			return folded, nil
		}
	}
	return b.cur.NewInstr(op, result, x, y), nil
}

func (b *builder) buildUnary(e *kernel.Unary) (*Value, error) {
	x, err := b.buildExpr(e.X)
	if err != nil {
		return nil, err
	}
	if !x.Type.IsScalar() {
		return nil, errors.Errorf("unary op %d on non-scalar", e.Op)
	}
	dtype := x.Type.DType
	var op OpCode
	switch e.Op {
	case kernel.OpNeg:
		if !dtype.IsFloat() && !dtype.IsInt() || dtype == dtypes.Float16 {
			return nil, errors.Errorf("negation of %s", dtype)
		}
		op = OpNeg
	case kernel.OpNot:
		if dtype.IsFloat() {
			return nil, errors.Errorf("not of %s", dtype)
		}
		op = OpNot
	case kernel.OpAbs:
		if dtype == dtypes.Bool || dtype == dtypes.Float16 {
			return nil, errors.Errorf("abs of %s", dtype)
		}
		op = OpAbs
	case kernel.OpSqrt, kernel.OpExp, kernel.OpLog:
		if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
			return nil, errors.Errorf("transcendental op on %s", dtype)
		}
		op = [...]OpCode{OpSqrt, OpExp, OpLog}[e.Op-kernel.OpSqrt]
	default:
		return nil, errors.Wrapf(kerrors.ErrUnsupportedConstruct, "unary operator %d", e.Op)
	}
	if x.Op == OpConst {
		if folded, ok := foldUnary(b.f, op, x); ok {
			return folded, nil
		}
	}
	return b.cur.NewInstr(op, x.Type, x), nil
}

func (b *builder) constFromAny(dtype dtypes.DType, value any) (*Value, error) {
	switch dtype {
	case dtypes.Bool:
		bv, ok := value.(bool)
		if !ok {
			return nil, errors.Errorf("Bool constant holds %T", value)
		}
		return b.f.ConstBool(bv), nil
	case dtypes.Int32:
		iv, ok := value.(int32)
		if !ok {
			return nil, errors.Errorf("Int32 constant holds %T", value)
		}
		return b.f.ConstInt(dtype, int64(iv)), nil
	case dtypes.Int64:
		iv, ok := value.(int64)
		if !ok {
			return nil, errors.Errorf("Int64 constant holds %T", value)
		}
		return b.f.ConstInt(dtype, iv), nil
	case dtypes.Uint32:
		iv, ok := value.(uint32)
		if !ok {
			return nil, errors.Errorf("Uint32 constant holds %T", value)
		}
		return b.f.ConstForBits(dtype, uint64(iv)), nil
	case dtypes.Uint64:
		iv, ok := value.(uint64)
		if !ok {
			return nil, errors.Errorf("Uint64 constant holds %T", value)
		}
		return b.f.ConstForBits(dtype, iv), nil
	case dtypes.Float16:
		fv, ok := value.(float16.Float16)
		if !ok {
			return nil, errors.Errorf("Float16 constant holds %T", value)
		}
		return b.f.ConstForBits(dtype, uint64(fv.Bits())), nil
	case dtypes.Float32:
		fv, ok := value.(float32)
		if !ok {
			return nil, errors.Errorf("Float32 constant holds %T", value)
		}
		return b.f.ConstForBits(dtype, uint64(math.Float32bits(fv))), nil
	case dtypes.Float64:
		fv, ok := value.(float64)
		if !ok {
			return nil, errors.Errorf("Float64 constant holds %T", value)
		}
		return b.f.ConstForBits(dtype, math.Float64bits(fv)), nil
	}
	return nil, errors.Wrapf(kerrors.ErrUnsupportedConstruct, "constant of dtype %s", dtype)
}
