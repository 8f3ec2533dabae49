package kir

import (
	"fmt"
	"sort"
	"strings"
)

// String renders the module as a deterministic textual dump. Two structurally
// identical modules print identically, which is what the pass idempotence
// tests compare.
func (m *Module) String() string {
	var sb strings.Builder
	writeFunc(&sb, m.Entry, "kernel")
	names := make([]string, 0, len(m.Helpers))
	for name := range m.Helpers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeFunc(&sb, m.Helpers[name], "helper")
	}
	return sb.String()
}

func writeFunc(sb *strings.Builder, f *Func, kind string) {
	fmt.Fprintf(sb, "%s %s(", kind, f.Name)
	for i, p := range f.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(sb, "%s %s", p.AuxStr, typeString(p.Type))
	}
	sb.WriteString(")")
	if f.Returns.Kind == TypeScalar {
		fmt.Fprintf(sb, " %s", f.Returns.DType)
	}
	sb.WriteString(" {\n")
	for _, alloc := range f.Shared {
		fmt.Fprintf(sb, "  shared %s %s[%d]", alloc.Name, alloc.DType, alloc.Count)
		if alloc.Offset >= 0 {
			fmt.Fprintf(sb, " @%d", alloc.Offset)
		}
		sb.WriteString("\n")
	}
	if f.SharedBytes > 0 {
		fmt.Fprintf(sb, "  shared_bytes %d\n", f.SharedBytes)
	}

	// Renumber on the fly so the dump is insensitive to value-ID churn from
	// dead values removed by previous passes.
	valueNames := make(map[*Value]string)
	next := 0
	nameOf := func(v *Value) string {
		if n, ok := valueNames[v]; ok {
			return n
		}
		n := fmt.Sprintf("v%d", next)
		next++
		valueNames[v] = n
		return n
	}
	for _, p := range f.Params {
		valueNames[p] = "%" + p.AuxStr
	}

	for _, b := range ReversePostorder(f) {
		preds := make([]string, len(b.Preds))
		for i, p := range b.Preds {
			preds[i] = fmt.Sprintf("b%d", p.ID)
		}
		fmt.Fprintf(sb, "b%d:", b.ID)
		if len(preds) > 0 {
			fmt.Fprintf(sb, " <- %s", strings.Join(preds, " "))
		}
		sb.WriteString("\n")
		for v := range b.Values {
			sb.WriteString("  ")
			if v.Type.Kind != TypeVoid {
				fmt.Fprintf(sb, "%s:%s = ", nameOf(v), typeString(v.Type))
			}
			sb.WriteString(v.Op.String())
			if v.Op == OpConst {
				fmt.Fprintf(sb, " %s", constString(v))
			}
			if v.AuxStr != "" && v.Op != OpParam {
				fmt.Fprintf(sb, " %q", v.AuxStr)
			}
			switch v.Op {
			case OpLocalID, OpGroupID, OpGroupDim, OpGridDim, OpViewDim, OpViewStride:
				fmt.Fprintf(sb, " axis=%d", v.AuxInt)
			case OpSharedLoadOff, OpSharedStoreOff:
				fmt.Fprintf(sb, " off=%d", v.AuxInt)
			}
			for _, arg := range v.Args {
				fmt.Fprintf(sb, " %s", nameOf(arg))
			}
			switch v.Op {
			case OpJump:
				fmt.Fprintf(sb, " b%d", b.Succs[0].ID)
			case OpBranch:
				fmt.Fprintf(sb, " b%d b%d", b.Succs[0].ID, b.Succs[1].ID)
			}
			sb.WriteString("\n")
		}
	}
	sb.WriteString("}\n")
}

func typeString(t Type) string {
	switch t.Kind {
	case TypeScalar:
		return t.DType.String()
	case TypeView:
		return fmt.Sprintf("view<%s,%d>", t.DType, t.Rank)
	}
	return "void"
}

func constString(v *Value) string {
	if v.Type.DType.IsFloat() {
		return fmt.Sprintf("%g", v.ConstFloat())
	}
	if v.Type.DType.IsUnsigned() {
		return fmt.Sprintf("%d", v.ConstBits)
	}
	if v.Type.DType.Ok() && !v.Type.DType.IsInt() { // Bool
		return fmt.Sprintf("%t", v.ConstBool())
	}
	return fmt.Sprintf("%d", v.ConstInt())
}
