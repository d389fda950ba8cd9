package functions

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/yairfalse/eventpipe/pkg/domain"
)

// TemperatureRule is the name of the built-in threshold rule.
const TemperatureRule = "temperature_threshold"

// DefaultTemperatureThreshold is the threshold in degrees Celsius.
const DefaultTemperatureThreshold = 40.0

const temperatureExpr = `eventType == "telemetry" && "temperature" in data && data.temperature > threshold`

// Rule is a named CEL expression evaluated against changed documents.
// Expressions see doc (the whole document), data, eventType and threshold.
type Rule struct {
	Name       string
	Expression string
	program    cel.Program
}

// RuleSet evaluates every rule against a document.
type RuleSet struct {
	rules     []Rule
	threshold float64
}

// NewRuleSet compiles the temperature rule plus any extra named expressions.
func NewRuleSet(threshold float64, extra map[string]string) (*RuleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("eventType", cel.StringType),
		cel.Variable("threshold", cel.DoubleType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule environment: %w", err)
	}

	exprs := map[string]string{TemperatureRule: temperatureExpr}
	for name, expr := range extra {
		if name == TemperatureRule {
			return nil, fmt.Errorf("rule name %s is reserved", name)
		}
		exprs[name] = expr
	}

	names := make([]string, 0, len(exprs))
	for name := range exprs {
		names = append(names, name)
	}
	sort.Strings(names)

	rs := &RuleSet{threshold: threshold}
	for _, name := range names {
		prog, err := compile(env, exprs[name])
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		rs.rules = append(rs.rules, Rule{Name: name, Expression: exprs[name], program: prog})
	}
	return rs, nil
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	return env.Program(ast)
}

// Names returns the rule names in evaluation order.
func (rs *RuleSet) Names() []string {
	names := make([]string, 0, len(rs.rules))
	for _, r := range rs.rules {
		names = append(names, r.Name)
	}
	return names
}

// Threshold returns the temperature threshold.
func (rs *RuleSet) Threshold() float64 { return rs.threshold }

// Evaluate returns the names of the rules doc matches. Rules that fail to
// evaluate are reported in the error; the others still run.
func (rs *RuleSet) Evaluate(doc domain.Document) ([]string, error) {
	activation := map[string]interface{}{
		"doc":       map[string]interface{}(doc),
		"data":      doc.Data(),
		"eventType": doc.EventType(),
		"threshold": rs.threshold,
	}

	var (
		matched []string
		errs    []error
	)
	for _, r := range rs.rules {
		out, _, err := r.program.Eval(activation)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.Name, err))
			continue
		}
		if b, ok := out.Value().(bool); ok && b {
			matched = append(matched, r.Name)
		}
	}
	return matched, errors.Join(errs...)
}
