package grid

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/pythagonacci/trakgrid/internal/metadata"
)

// ErrorSentinel is written into a cell when its formula or rollup fails.
// Downstream consumers distinguish it from an empty cell.
const ErrorSentinel = "#ERROR"

// errorSentinel formats a failed evaluation as an in-cell error string.
func errorSentinel(err error) string {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return ErrorSentinel
	}
	return ErrorSentinel + ": " + msg
}

// IsErrorSentinel reports whether a cell value is a computed-error marker.
func IsErrorSentinel(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, ErrorSentinel)
}

// Evaluator evaluates formula expressions against a row and statically
// extracts which fields an expression reads.
type Evaluator interface {
	Evaluate(expression string, rowData map[string]any, fields []*metadata.Field) (any, error)
	ExtractDependencies(expression string, fields []*metadata.Field) []string
}

// ExprEvaluator implements Evaluator on top of expr-lang. Formulas reference
// sibling fields by name; compiled programs are cached per expression text.
type ExprEvaluator struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

func (e *ExprEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prog, ok := e.cache[expression]; ok {
		return prog, nil
	}
	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile formula: %w", err)
	}
	e.cache[expression] = prog
	return prog, nil
}

// Evaluate runs the expression with the row's field values bound by field name.
func (e *ExprEvaluator) Evaluate(expression string, rowData map[string]any, fields []*metadata.Field) (any, error) {
	prog, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	env := make(map[string]any, len(fields))
	for _, f := range fields {
		env[f.Name] = rowData[f.ID]
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate formula: %w", err)
	}
	return result, nil
}

// ExtractDependencies parses the expression and returns the ids of the fields
// it references, in field order. The result is deterministic for a given
// expression and field list. A parse failure yields nil, which the dispatcher
// treats as "unknown dependencies, always recompute".
func (e *ExprEvaluator) ExtractDependencies(expression string, fields []*metadata.Field) []string {
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil
	}

	v := &identifierVisitor{names: make(map[string]bool)}
	ast.Walk(&tree.Node, v)

	var deps []string
	for _, f := range fields {
		if v.names[f.Name] {
			deps = append(deps, f.ID)
		}
	}
	return deps
}

type identifierVisitor struct {
	names map[string]bool
}

func (v *identifierVisitor) Visit(node *ast.Node) {
	if id, ok := (*node).(*ast.IdentifierNode); ok {
		v.names[id.Value] = true
	}
}

// CoerceReturnType casts a formula result to the field's declared return type.
// number → float64 or nil; boolean → truthy cast; date → ISO-8601 string or
// nil; anything else passes through untouched.
func CoerceReturnType(value any, returnType string) any {
	switch returnType {
	case "number":
		if n, ok := toFloat64(value); ok {
			return n
		}
		return nil
	case "boolean":
		return isTruthy(value)
	case "date":
		if t, ok := parseDate(value); ok {
			return t.UTC().Format(time.RFC3339)
		}
		return nil
	default:
		return value
	}
}

// toFloat64 converts numeric types (and numeric strings) to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func isTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	default:
		return true
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDate(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
