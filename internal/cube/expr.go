package cube

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/vk/cubegrid/internal/cubeerr"
)

// Identifier returns the name a band is bound to inside expressions:
// characters that cannot appear in an identifier become underscores, so
// the joined band "X1.B04" is referenced as X1_B04.
func Identifier(band string) string {
	var sb strings.Builder
	for i, r := range band {
		switch {
		case r == '_' || unicode.IsLetter(r):
			sb.WriteRune(r)
		case unicode.IsDigit(r):
			if i == 0 {
				sb.WriteRune('_')
			}
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

// Cell coordinates available to expressions besides band values.
const (
	identT = "t"
	identX = "x"
	identY = "y"
)

var exprFuncs = map[string]interface{}{
	"sqrt":  math.Sqrt,
	"abs":   math.Abs,
	"exp":   math.Exp,
	"log":   math.Log,
	"log10": math.Log10,
	"pow":   math.Pow,
	"floor": math.Floor,
	"ceil":  math.Ceil,
	"round": math.Round,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"atan":  math.Atan,
	"atan2": math.Atan2,
	"isnan": math.IsNaN,
	"nan":   math.NaN,
	"fmin":  math.Min,
	"fmax":  math.Max,
	"bit": func(v float64, n int) bool {
		if math.IsNaN(v) {
			return false
		}
		return int64(v)&(1<<uint(n)) != 0
	},
}

// cellEnv is the per-goroutine variable map programs run against.
type cellEnv map[string]interface{}

func newCellEnv(bands []string) cellEnv {
	env := make(cellEnv, len(bands)+len(exprFuncs)+3)
	for k, v := range exprFuncs {
		env[k] = v
	}
	for _, b := range bands {
		env[Identifier(b)] = 0.0
	}
	env[identT] = 0.0
	env[identX] = 0.0
	env[identY] = 0.0
	return env
}

// compiledExpr is an expression compiled against a fixed band vocabulary.
type compiledExpr struct {
	src     string
	program *vm.Program
}

func compileExpr(src string, bands []string) (*compiledExpr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, cubeerr.Configf("empty expression")
	}
	for _, b := range bands {
		id := Identifier(b)
		if _, clash := exprFuncs[id]; clash || id == identT || id == identX || id == identY {
			return nil, cubeerr.Configf("band %q shadows the built-in name %q in expressions", b, id)
		}
	}
	program, err := expr.Compile(src, expr.Env(map[string]interface{}(newCellEnv(bands))))
	if err != nil {
		if strings.Contains(err.Error(), "unknown name") {
			return nil, cubeerr.Wrapf(cubeerr.ErrUnknownBandReference, "in %q: %v", src, err)
		}
		return nil, cubeerr.Configf("invalid expression %q: %v", src, err)
	}
	return &compiledExpr{src: src, program: program}, nil
}

// eval runs the program and converts the result to a sample. Non-finite
// numeric results become no-data.
func (c *compiledExpr) eval(env cellEnv) (float64, error) {
	out, err := expr.Run(c.program, map[string]interface{}(env))
	if err != nil {
		return math.NaN(), fmt.Errorf("evaluating %q: %w", c.src, err)
	}
	var v float64
	switch r := out.(type) {
	case float64:
		v = r
	case float32:
		v = float64(r)
	case int:
		v = float64(r)
	case int64:
		v = float64(r)
	case bool:
		if r {
			v = 1
		}
	case nil:
		return math.NaN(), nil
	default:
		return math.NaN(), cubeerr.Wrapf(cubeerr.ErrShapeMismatch, "expression %q returned %T, want a number", c.src, out)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return math.NaN(), nil
	}
	return v, nil
}

// truthy evaluates a predicate. NaN comparisons are false, so cells with
// missing inputs fail predicates that compare them.
func (c *compiledExpr) truthy(env cellEnv) (bool, error) {
	out, err := expr.Run(c.program, map[string]interface{}(env))
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", c.src, err)
	}
	switch r := out.(type) {
	case bool:
		return r, nil
	case float64:
		return r != 0 && !math.IsNaN(r), nil
	case int:
		return r != 0, nil
	}
	return false, cubeerr.Wrapf(cubeerr.ErrShapeMismatch, "predicate %q returned %T, want a boolean", c.src, out)
}
