package governor

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEvaluator compiles rule expressions once and caches the programs.
// Expressions see the tick's signals as a map named "signals". A signal
// the expression references but the tick omits reads as zero, the same
// semantics threshold conditions use; bare CEL map selection errors on a
// missing key, which would fire the rule on every quiet tick.
type celEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]compiledRule
}

type compiledRule struct {
	prg  cel.Program
	refs []string // signal names the expression selects
}

var signalRefPattern = regexp.MustCompile(`signals(?:\.([A-Za-z_][A-Za-z0-9_]*)|\["([^"]+)"\])`)

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("signals", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("governor: create CEL environment: %w", err)
	}
	return &celEvaluator{env: env, cache: make(map[string]compiledRule)}, nil
}

// eval evaluates the expression against the signal map. Non-boolean
// results are an error.
func (e *celEvaluator) eval(expr string, signals Context) (bool, error) {
	compiled, err := e.program(expr)
	if err != nil {
		return false, err
	}

	padded := make(map[string]float64, len(signals)+len(compiled.refs))
	for k, v := range signals {
		padded[k] = v
	}
	for _, ref := range compiled.refs {
		if _, ok := padded[ref]; !ok {
			padded[ref] = 0
		}
	}

	out, _, err := compiled.prg.Eval(map[string]any{"signals": padded})
	if err != nil {
		return false, fmt.Errorf("governor: evaluate %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("governor: expression %q is not boolean", expr)
	}
	return result, nil
}

func (e *celEvaluator) program(expr string) (compiledRule, error) {
	e.mu.RLock()
	compiled, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return compiled, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if compiled, hit = e.cache[expr]; hit {
		return compiled, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return compiledRule{}, fmt.Errorf("governor: compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return compiledRule{}, fmt.Errorf("governor: program %q: %w", expr, err)
	}

	compiled = compiledRule{prg: prg, refs: referencedSignals(expr)}
	e.cache[expr] = compiled
	return compiled, nil
}

// referencedSignals extracts the signal names an expression selects, in
// both signals.name and signals["name"] forms.
func referencedSignals(expr string) []string {
	var refs []string
	for _, m := range signalRefPattern.FindAllStringSubmatch(expr, -1) {
		if m[1] != "" {
			refs = append(refs, m[1])
		} else {
			refs = append(refs, m[2])
		}
	}
	return refs
}
