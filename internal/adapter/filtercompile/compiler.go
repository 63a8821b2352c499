// Package filtercompile provides the built-in target filter compiler: a
// minimal conjunction grammar of equality terms. A richer grammar can be
// swapped in behind filter.Compiler without touching the core.
//
// Grammar: terms joined by ";" (logical AND). Each term is either
// "field==value" or "field!=value". Known fields (name, controller_id,
// update_status) map to target columns; anything else matches the
// target's attribute map. A "!=" term against a target that lacks the
// attribute matches: absence counts as "not equal". This policy is
// deliberate and pinned by tests.
package filtercompile

import (
	"fmt"
	"strings"

	"github.com/fleetrail/fleetrail/internal/domain/filter"
	"github.com/fleetrail/fleetrail/internal/domain/target"
)

type Compiler struct{}

func New() *Compiler {
	return &Compiler{}
}

type term struct {
	field  string
	value  string
	negate bool
}

type predicate struct {
	terms []term
}

// Compile parses the expression into an executable predicate. An empty
// expression matches everything.
func (c *Compiler) Compile(expression string) (target.Predicate, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return &predicate{}, nil
	}

	var terms []term
	for _, raw := range strings.Split(expression, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		t, err := parseTerm(raw)
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("%w: %q", filter.ErrInvalidQuery, expression)
	}
	return &predicate{terms: terms}, nil
}

func parseTerm(raw string) (term, error) {
	var op string
	switch {
	case strings.Contains(raw, "!="):
		op = "!="
	case strings.Contains(raw, "=="):
		op = "=="
	default:
		return term{}, fmt.Errorf("%w: term %q needs == or !=", filter.ErrInvalidQuery, raw)
	}

	parts := strings.SplitN(raw, op, 2)
	field := strings.TrimSpace(parts[0])
	value := strings.TrimSpace(parts[1])
	if field == "" || value == "" {
		return term{}, fmt.Errorf("%w: term %q has empty field or value", filter.ErrInvalidQuery, raw)
	}
	return term{field: field, value: value, negate: op == "!="}, nil
}

// columnFields are filterable target columns; everything else goes
// through the attributes jsonb map.
var columnFields = map[string]string{
	"name":          "targets.name",
	"controller_id": "targets.controller_id",
	"update_status": "targets.update_status",
}

func (p *predicate) SQL() (string, []any) {
	if len(p.terms) == 0 {
		return "TRUE", nil
	}

	var conds []string
	var args []any
	for _, t := range p.terms {
		if col, ok := columnFields[t.field]; ok {
			if t.negate {
				conds = append(conds, fmt.Sprintf("%s <> ?", col))
			} else {
				conds = append(conds, fmt.Sprintf("%s = ?", col))
			}
			args = append(args, t.value)
			continue
		}
		if t.negate {
			// Missing attributes match a negated term.
			conds = append(conds, "(targets.attributes ->> ? IS NULL OR targets.attributes ->> ? <> ?)")
			args = append(args, t.field, t.field, t.value)
		} else {
			conds = append(conds, "targets.attributes ->> ? = ?")
			args = append(args, t.field, t.value)
		}
	}
	return "(" + strings.Join(conds, " AND ") + ")", args
}

func (p *predicate) Matches(t *target.Target) bool {
	for _, term := range p.terms {
		var got string
		var present bool
		switch term.field {
		case "name":
			got, present = t.Name, true
		case "controller_id":
			got, present = t.ControllerID, true
		case "update_status":
			got, present = string(t.UpdateStatus), true
		default:
			got, present = t.Attributes[term.field]
		}

		if term.negate {
			if present && got == term.value {
				return false
			}
			continue
		}
		if !present || got != term.value {
			return false
		}
	}
	return true
}
