package devserver

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
)

var errNotBoolean = errors.New("filter did not evaluate to boolean")

// Filters compiles and caches filter expressions evaluated against message
// meta. Nested meta keys are flattened with "." and must be bracketed in
// expressions, e.g. "[user.tier] == 'gold'".
type Filters struct {
	mu       sync.Mutex
	compiled map[string]*govaluate.EvaluableExpression
}

// NewFilters creates an empty filter cache.
func NewFilters() *Filters {
	return &Filters{compiled: make(map[string]*govaluate.EvaluableExpression)}
}

// Compile parses expr, returning a cached expression when possible.
func (f *Filters) Compile(expr string) (*govaluate.EvaluableExpression, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.compiled[expr]; ok {
		return e, nil
	}
	e, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, err
	}
	f.compiled[expr] = e
	return e, nil
}

// Match evaluates expr against meta. An empty expression matches every
// message; an expression naming a key meta lacks does not match.
func (f *Filters) Match(expr string, meta json.RawMessage) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	e, err := f.Compile(expr)
	if err != nil {
		return false, err
	}
	result, err := e.Evaluate(metaParams(meta))
	if err != nil {
		return false, err
	}
	matched, ok := result.(bool)
	if !ok {
		return false, errNotBoolean
	}
	return matched, nil
}

func metaParams(meta json.RawMessage) map[string]any {
	params := map[string]any{}
	if len(meta) == 0 {
		return params
	}
	var fields map[string]any
	if err := json.Unmarshal(meta, &fields); err != nil {
		return params
	}
	flatten("", fields, params)
	return params
}

func flatten(prefix string, fields map[string]any, out map[string]any) {
	for k, v := range fields {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}
