// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/pkg/errors"
)

// Signature is the immutable identity of a compilable unit: the entry
// function, its parameter types and the bodies of everything reachable from
// it. It is the primary kernel-cache key: two signatures with equal Hash are
// interchangeable for compilation purposes.
//
// A Signature is created once per compilation request and never mutated.
type Signature struct {
	entry *Func
	lib   *Library
	hash  string
}

// NewSignature builds the signature for the entry function of a library.
//
// The library may be nil when the entry calls no helper functions.
func NewSignature(lib *Library, entry *Func) (*Signature, error) {
	if entry == nil {
		return nil, errors.New("kernel: signature requires an entry function")
	}
	h := sha256.New()
	seen := map[string]bool{entry.Name: true}
	if err := hashFunc(h, lib, entry, seen); err != nil {
		return nil, err
	}
	return &Signature{
		entry: entry,
		lib:   lib,
		hash:  hex.EncodeToString(h.Sum(nil)[:16]),
	}, nil
}

// Entry returns the entry function.
func (s *Signature) Entry() *Func { return s.entry }

// Library returns the library the entry resolves calls against (may be nil).
func (s *Signature) Library() *Library { return s.lib }

// Hash returns a stable hex content hash of the kernel.
func (s *Signature) Hash() string { return s.hash }

// String implements fmt.Stringer.
func (s *Signature) String() string {
	return fmt.Sprintf("%s#%s", s.entry.Name, s.hash[:8])
}

// hashFunc writes a canonical encoding of f (and, recursively, of every
// function it calls) into w.
func hashFunc(w hash.Hash, lib *Library, f *Func, seen map[string]bool) error {
	fmt.Fprintf(w, "func %s ret=%d\n", f.Name, f.Returns)
	for _, p := range f.Params {
		fmt.Fprintf(w, "param %s kind=%d dtype=%d rank=%d\n", p.Name, p.Kind, p.DType, p.Rank)
	}
	var callees []string
	hashStmts(w, f.Body, &callees)
	for _, name := range callees {
		if seen[name] {
			continue
		}
		seen[name] = true
		callee := lib.Func(name)
		if callee == nil {
			return errors.Errorf("kernel: %q calls unknown function %q", f.Name, name)
		}
		if err := hashFunc(w, lib, callee, seen); err != nil {
			return err
		}
	}
	return nil
}

func hashStmts(w io.Writer, stmts []Stmt, callees *[]string) {
	for _, s := range stmts {
		hashStmt(w, s, callees)
	}
}

func hashStmt(w io.Writer, s Stmt, callees *[]string) {
	switch s := s.(type) {
	case *Assign:
		fmt.Fprintf(w, "assign %s ", s.Var)
		hashExpr(w, s.Value, callees)
	case *Store:
		fmt.Fprintf(w, "store %s ", s.View)
		for _, ix := range s.Index {
			hashExpr(w, ix, callees)
		}
		hashExpr(w, s.Value, callees)
	case *AtomicAdd:
		fmt.Fprintf(w, "atomicadd %s ", s.View)
		for _, ix := range s.Index {
			hashExpr(w, ix, callees)
		}
		hashExpr(w, s.Value, callees)
	case *If:
		fmt.Fprintf(w, "if ")
		hashExpr(w, s.Cond, callees)
		fmt.Fprintf(w, "then{")
		hashStmts(w, s.Then, callees)
		fmt.Fprintf(w, "}else{")
		hashStmts(w, s.Else, callees)
		fmt.Fprintf(w, "}")
	case *For:
		fmt.Fprintf(w, "for %s ", s.Var)
		hashExpr(w, s.Start, callees)
		hashExpr(w, s.Limit, callees)
		hashExpr(w, s.Step, callees)
		fmt.Fprintf(w, "{")
		hashStmts(w, s.Body, callees)
		fmt.Fprintf(w, "}")
	case *Barrier:
		fmt.Fprintf(w, "barrier;")
	case *Return:
		fmt.Fprintf(w, "return ")
		if s.Value != nil {
			hashExpr(w, s.Value, callees)
		}
	case *DeclShared:
		fmt.Fprintf(w, "shared %s dtype=%d ", s.Name, s.DType)
		hashExpr(w, s.Count, callees)
	case *SharedStore:
		fmt.Fprintf(w, "sstore %s ", s.Name)
		hashExpr(w, s.Index, callees)
		hashExpr(w, s.Value, callees)
	case *Eval:
		fmt.Fprintf(w, "eval ")
		hashExpr(w, s.Value, callees)
	default:
		fmt.Fprintf(w, "stmt?%T;", s)
	}
	fmt.Fprintf(w, "\n")
}

func hashExpr(w io.Writer, e Expr, callees *[]string) {
	switch e := e.(type) {
	case *Const:
		fmt.Fprintf(w, "(const %d %v)", e.DType, e.Value)
	case *Ref:
		fmt.Fprintf(w, "(ref %s)", e.Name)
	case *Binary:
		fmt.Fprintf(w, "(bin %d ", e.Op)
		hashExpr(w, e.X, callees)
		hashExpr(w, e.Y, callees)
		fmt.Fprintf(w, ")")
	case *Unary:
		fmt.Fprintf(w, "(un %d ", e.Op)
		hashExpr(w, e.X, callees)
		fmt.Fprintf(w, ")")
	case *Convert:
		fmt.Fprintf(w, "(cvt %d ", e.To)
		hashExpr(w, e.X, callees)
		fmt.Fprintf(w, ")")
	case *Select:
		fmt.Fprintf(w, "(sel ")
		hashExpr(w, e.Cond, callees)
		hashExpr(w, e.X, callees)
		hashExpr(w, e.Y, callees)
		fmt.Fprintf(w, ")")
	case *Load:
		fmt.Fprintf(w, "(load %s ", e.View)
		for _, ix := range e.Index {
			hashExpr(w, ix, callees)
		}
		fmt.Fprintf(w, ")")
	case *SharedLoad:
		fmt.Fprintf(w, "(sload %s ", e.Name)
		hashExpr(w, e.Index, callees)
		fmt.Fprintf(w, ")")
	case *Intrinsic:
		fmt.Fprintf(w, "(intr %d %d)", e.Kind, e.Axis)
	case *ViewDim:
		fmt.Fprintf(w, "(dim %s %d)", e.View, e.Axis)
	case *ViewLen:
		fmt.Fprintf(w, "(len %s)", e.View)
	case *Call:
		fmt.Fprintf(w, "(call %s ", e.Func)
		for _, a := range e.Args {
			hashExpr(w, a, callees)
		}
		fmt.Fprintf(w, ")")
		*callees = append(*callees, e.Func)
	default:
		fmt.Fprintf(w, "(expr?%T)", e)
	}
}
