package relay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/relayd/pkg/xrow"
)

// ErrFilter is returned for a row filter that does not compile to a
// boolean expression.
var ErrFilter = errors.New("relay: invalid row filter")

// rowFilter wraps a compiled CEL program evaluated against each row a relay
// would send. When disabled, match always returns true.
type rowFilter struct {
	prog    cel.Program
	enabled bool
}

func newRowFilter(expr string) (rowFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return rowFilter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("replica_id", cel.IntType),
		cel.Variable("lsn", cel.IntType),
		cel.Variable("op", cel.StringType),
		cel.Variable("space", cel.IntType),
		cel.Variable("key", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
	)
	if err != nil {
		return rowFilter{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return rowFilter{}, fmt.Errorf("%w: %v", ErrFilter, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return rowFilter{}, fmt.Errorf("%w: %q is %s, not bool", ErrFilter, expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return rowFilter{}, fmt.Errorf("%w: %v", ErrFilter, err)
	}
	return rowFilter{prog: prog, enabled: true}, nil
}

// match evaluates the filter. Rows whose body cannot be decoded or whose
// evaluation fails do not match.
func (f rowFilter) match(r *xrow.Row) bool {
	if !f.enabled {
		return true
	}
	req, err := xrow.DecodeRequest(r.Body)
	if err != nil {
		return false
	}
	out, _, err := f.prog.Eval(map[string]any{
		"replica_id": int64(r.ReplicaID),
		"lsn":        r.LSN,
		"op":         r.Type.String(),
		"space":      int64(req.Space),
		"key":        string(req.Key),
		"ts_ms":      r.Timestamp,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
