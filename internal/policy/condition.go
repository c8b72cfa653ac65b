package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// conditionCostLimit 限制单个表达式的运行时开销，防止病态表达式拖慢请求。
const conditionCostLimit = 10000

var (
	conditionEnvOnce sync.Once
	conditionEnv     *cel.Env
	conditionEnvErr  error
)

func celEnv() (*cel.Env, error) {
	conditionEnvOnce.Do(func() {
		conditionEnv, conditionEnvErr = cel.NewEnv(
			cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("response", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("policy", cel.StringType),
			cel.Variable("stage", cel.StringType),
		)
	})
	return conditionEnv, conditionEnvErr
}

// ConditionInput 是评估 when 表达式时可见的请求视图。
type ConditionInput struct {
	Policy  string
	Stage   string
	Method  string
	Path    string
	Headers map[string]string
	Status  int
}

func (in ConditionInput) activation() map[string]any {
	headers := in.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return map[string]any{
		"policy": in.Policy,
		"stage":  in.Stage,
		"request": map[string]any{
			"method":  in.Method,
			"path":    in.Path,
			"headers": headers,
		},
		"response": map[string]any{
			"status": int64(in.Status),
		},
	}
}

// Condition 是加载期编译好的 CEL 程序，可被并发评估。
type Condition struct {
	expr    string
	program cel.Program
}

// CompileCondition 编译 when 表达式，要求结果类型为 bool。
func CompileCondition(expr string) (*Condition, error) {
	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("condition %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(conditionCostLimit), cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return &Condition{expr: expr, program: prg}, nil
}

// String 返回原始表达式。
func (c *Condition) String() string {
	if c == nil {
		return ""
	}
	return c.expr
}

// Matches 评估条件；nil 条件恒为 true。
func (c *Condition) Matches(ctx context.Context, in ConditionInput) (bool, error) {
	if c == nil {
		return true, nil
	}
	out, _, err := c.program.ContextEval(ctx, in.activation())
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", c.expr, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T", c.expr, out.Value())
	}
	return matched, nil
}
