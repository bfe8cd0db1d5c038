// Package variables implements the Variable Engine (C2): single-pass
// ${VAR} / ${VAR:-default} / ${VAR:?msg} substitution over compose
// templates, plus shared/per-stack variable classification for Products.
package variables

import (
	"strings"

	"github.com/readystackgo/readystackgo/internal/rserrors"
)

// Kind enumerates how a variable's value should be collected/displayed.
type Kind string

const (
	KindText   Kind = "text"
	KindSecret Kind = "secret"
	KindEnum   Kind = "enum"
	KindBool   Kind = "bool"
	KindNumber Kind = "number"
)

// Definition describes one declared variable on a StackDefinition.
type Definition struct {
	Name         string
	Label        string
	Group        string
	IsRequired   bool
	DefaultValue string
	Kind         Kind
}

// Render performs single-pass substitution of template against values.
// A name missing from values takes the placeholder's own `${NAME:-default}`
// fallback, fails a required `${NAME:?msg}` placeholder, and renders empty
// for a bare `${NAME}`; Render does not consult Definition defaults, which
// the caller overlays into values (see DefaultsOf and Merge). Substitution
// is not recursive: a value that itself contains "${...}" is inserted
// verbatim.
func Render(template string, values map[string]string) (string, error) {
	var out strings.Builder
	out.Grow(len(template))

	i := 0
	for i < len(template) {
		c := template[i]

		if c == '$' && i+1 < len(template) && template[i+1] == '$' {
			out.WriteByte('$')
			i += 2
			continue
		}

		if c == '$' && i+1 < len(template) && template[i+1] == '{' {
			end := strings.IndexByte(template[i+2:], '}')
			if end == -1 {
				// Unterminated placeholder: treat literally, matching the
				// "substitution is not recursive" guarantee that already-
				// rendered text round-trips unchanged.
				out.WriteByte(c)
				i++
				continue
			}
			expr := template[i+2 : i+2+end]
			rendered, err := renderExpr(expr, values)
			if err != nil {
				return "", err
			}
			out.WriteString(rendered)
			i = i + 2 + end + 1
			continue
		}

		out.WriteByte(c)
		i++
	}

	return out.String(), nil
}

func renderExpr(expr string, values map[string]string) (string, error) {
	name := expr
	var op, operand string

	if idx := strings.Index(expr, ":-"); idx != -1 {
		name, op, operand = expr[:idx], ":-", expr[idx+2:]
	} else if idx := strings.Index(expr, ":?"); idx != -1 {
		name, op, operand = expr[:idx], ":?", expr[idx+2:]
	}

	if value, present := values[name]; present {
		return value, nil
	}

	switch op {
	case ":-":
		return operand, nil
	case ":?":
		msg := operand
		if msg == "" {
			msg = name + " is required"
		}
		return "", rserrors.NewValidation("%s", msg)
	default:
		return "", nil
	}
}

// SharedVariables returns the set of variable names that appear in two or
// more of the given stacks' Definitions, per the Product-level
// classification rule in §4.2.
func SharedVariables(stacks [][]Definition) map[string]bool {
	counts := make(map[string]int)
	for _, defs := range stacks {
		seen := make(map[string]bool)
		for _, d := range defs {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			counts[d.Name]++
		}
	}

	shared := make(map[string]bool)
	for name, count := range counts {
		if count >= 2 {
			shared[name] = true
		}
	}
	return shared
}

// Merge overlays values in precedence order: stored > shared > defaults.
// Later maps in the list take precedence over earlier ones.
func Merge(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// DefaultsOf builds the defaultValue overlay for a set of Definitions.
func DefaultsOf(defs []Definition) map[string]string {
	out := make(map[string]string, len(defs))
	for _, d := range defs {
		if d.DefaultValue != "" {
			out[d.Name] = d.DefaultValue
		}
	}
	return out
}
