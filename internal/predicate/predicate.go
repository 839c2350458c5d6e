// Package predicate implements typed boolean predicate trees used by
// geography variants and filters. Trees are compiled into SQL fragments that
// reference columns by quoted identifier and carry every value as a bound
// parameter.
package predicate

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Op is a comparison operator.
type Op string

// Supported operators.
const (
	OpEq      Op = "eq"
	OpNe      Op = "ne"
	OpLt      Op = "lt"
	OpLte     Op = "lte"
	OpGt      Op = "gt"
	OpGte     Op = "gte"
	OpIn      Op = "in"
	OpNotIn   Op = "not_in"
	OpIsNull  Op = "is_null"
	OpNotNull Op = "not_null"
	OpLike    Op = "like"
	OpILike   Op = "ilike"
	OpSimilar Op = "similar"
)

var binarySQL = map[Op]string{
	OpEq:      "=",
	OpNe:      "<>",
	OpLt:      "<",
	OpLte:     "<=",
	OpGt:      ">",
	OpGte:     ">=",
	OpLike:    "LIKE",
	OpILike:   "ILIKE",
	OpSimilar: "%",
}

// Expr is one node of a predicate tree. Exactly one of All, Any, Not or
// Column is set. A comparison takes its operand from Value, Values (in and
// not_in) or Param, the 1-based index of a caller-supplied argument.
type Expr struct {
	All []Expr `yaml:"all,omitempty" json:"all,omitempty"`
	Any []Expr `yaml:"any,omitempty" json:"any,omitempty"`
	Not *Expr  `yaml:"not,omitempty" json:"not,omitempty"`

	Column string `yaml:"column,omitempty" json:"column,omitempty"`
	Op     Op     `yaml:"op,omitempty" json:"op,omitempty"`
	Value  any    `yaml:"value,omitempty" json:"value,omitempty"`
	Values []any  `yaml:"values,omitempty" json:"values,omitempty"`
	Param  int    `yaml:"param,omitempty" json:"param,omitempty"`
}

func (e Expr) kinds() int {
	n := 0
	if e.All != nil {
		n++
	}
	if e.Any != nil {
		n++
	}
	if e.Not != nil {
		n++
	}
	if e.Column != "" {
		n++
	}
	return n
}

// Validate checks the structure of the tree: one form per node, known
// operators and operands that fit them.
func (e Expr) Validate() error {
	if e.kinds() != 1 {
		return eris.New("predicate: node must set exactly one of all, any, not, column")
	}
	switch {
	case e.All != nil:
		for i := range e.All {
			if err := e.All[i].Validate(); err != nil {
				return err
			}
		}
		return nil
	case e.Any != nil:
		for i := range e.Any {
			if err := e.Any[i].Validate(); err != nil {
				return err
			}
		}
		return nil
	case e.Not != nil:
		return e.Not.Validate()
	}

	if e.Param < 0 {
		return eris.Errorf("predicate: column %s: param must be positive", e.Column)
	}
	hasValue := e.Value != nil
	hasValues := e.Values != nil
	hasParam := e.Param > 0

	switch e.Op {
	case OpIsNull, OpNotNull:
		if hasValue || hasValues || hasParam {
			return eris.Errorf("predicate: column %s: %s takes no operand", e.Column, e.Op)
		}
	case OpIn, OpNotIn:
		if hasValue || hasValues == hasParam {
			return eris.Errorf("predicate: column %s: %s needs values or param", e.Column, e.Op)
		}
		for _, v := range e.Values {
			if !scalar(v) {
				return eris.Errorf("predicate: column %s: values must be scalars", e.Column)
			}
		}
	default:
		if _, ok := binarySQL[e.Op]; !ok {
			return eris.Errorf("predicate: column %s: unknown op %q", e.Column, e.Op)
		}
		if hasValues || hasValue == hasParam {
			return eris.Errorf("predicate: column %s: %s needs value or param", e.Column, e.Op)
		}
		if hasValue && !scalar(e.Value) {
			return eris.Errorf("predicate: column %s: value must be a scalar", e.Column)
		}
	}
	return nil
}

func scalar(v any) bool {
	switch v.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return true
	}
	return false
}

// Columns returns the sorted, distinct columns referenced by the tree.
func (e Expr) Columns() []string {
	set := map[string]bool{}
	e.walk(func(n Expr) {
		if n.Column != "" {
			set[n.Column] = true
		}
	})
	return sortedKeys(set)
}

// Params returns the sorted, distinct parameter indices used by the tree.
func (e Expr) Params() []int {
	set := map[int]bool{}
	e.walk(func(n Expr) {
		if n.Param > 0 {
			set[n.Param] = true
		}
	})
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Arity is the number of caller arguments the tree expects.
func (e Expr) Arity() int {
	ps := e.Params()
	if len(ps) == 0 {
		return 0
	}
	return ps[len(ps)-1]
}

func (e Expr) walk(fn func(Expr)) {
	fn(e)
	for _, c := range e.All {
		c.walk(fn)
	}
	for _, c := range e.Any {
		c.walk(fn)
	}
	if e.Not != nil {
		e.Not.walk(fn)
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Args accumulates positional query arguments.
type Args struct {
	values []any
}

// Add appends v and returns its placeholder.
func (a *Args) Add(v any) string {
	a.values = append(a.values, v)
	return fmt.Sprintf("$%d", len(a.values))
}

// Values returns the arguments in placeholder order.
func (a *Args) Values() []any {
	return a.values
}

// Len returns the number of arguments added so far.
func (a *Args) Len() int {
	return len(a.values)
}

// Compile renders e as SQL against the table aliased alias. Values and the
// caller arguments in params are appended to args; the returned text holds
// only quoted identifiers, operators and placeholders.
func Compile(e Expr, alias string, args *Args, params []any) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	if arity := e.Arity(); arity != len(params) {
		return "", eris.Errorf("predicate: expected %d argument(s), got %d", arity, len(params))
	}
	var b strings.Builder
	if err := compile(&b, e, alias, args, params); err != nil {
		return "", err
	}
	return b.String(), nil
}

func compile(b *strings.Builder, e Expr, alias string, args *Args, params []any) error {
	switch {
	case e.All != nil:
		return join(b, e.All, " AND ", "TRUE", alias, args, params)
	case e.Any != nil:
		return join(b, e.Any, " OR ", "FALSE", alias, args, params)
	case e.Not != nil:
		b.WriteString("NOT (")
		if err := compile(b, *e.Not, alias, args, params); err != nil {
			return err
		}
		b.WriteString(")")
		return nil
	}

	col := pgx.Identifier{e.Column}.Sanitize()
	if alias != "" {
		col = alias + "." + col
	}

	switch e.Op {
	case OpIsNull:
		b.WriteString(col + " IS NULL")
	case OpNotNull:
		b.WriteString(col + " IS NOT NULL")
	case OpIn, OpNotIn:
		values := e.Values
		if e.Param > 0 {
			expanded, err := expand(params[e.Param-1])
			if err != nil {
				return eris.Wrapf(err, "predicate: column %s param %d", e.Column, e.Param)
			}
			values = expanded
		}
		if len(values) == 0 {
			// IN () is not valid SQL: an empty set matches nothing.
			if e.Op == OpIn {
				b.WriteString("FALSE")
			} else {
				b.WriteString("TRUE")
			}
			return nil
		}
		holders := make([]string, len(values))
		for i, v := range values {
			holders[i] = args.Add(v)
		}
		kw := " IN ("
		if e.Op == OpNotIn {
			kw = " NOT IN ("
		}
		b.WriteString(col + kw + strings.Join(holders, ", ") + ")")
	default:
		v := e.Value
		if e.Param > 0 {
			v = params[e.Param-1]
		}
		b.WriteString(col + " " + binarySQL[e.Op] + " " + args.Add(v))
	}
	return nil
}

func join(b *strings.Builder, exprs []Expr, sep, empty, alias string, args *Args, params []any) error {
	if len(exprs) == 0 {
		b.WriteString(empty)
		return nil
	}
	for i, c := range exprs {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString("(")
		if err := compile(b, c, alias, args, params); err != nil {
			return err
		}
		b.WriteString(")")
	}
	return nil
}

// expand turns a slice argument into its elements. A string is a
// comma-separated list and any other scalar becomes a one-element set.
func expand(v any) ([]any, error) {
	if v == nil {
		return nil, eris.New("nil set argument")
	}
	if s, ok := v.(string); ok {
		var out []any
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}, nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
