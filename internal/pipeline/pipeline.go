// Package pipeline provides the transformers and validators an integration
// applies to outbound data before it reaches the protocol.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
)

// Transform kinds accepted in the pipeline block.
const (
	TransformPassthrough = "passthrough"
	TransformEnvelope    = "envelope"
)

// ErrRuleFailed is wrapped by every rule rejection.
var ErrRuleFailed = errors.New("validation rule failed")

// Config is the per-integration pipeline block.
type Config struct {
	Transform string                 `yaml:"transform"`
	Envelope  map[string]interface{} `yaml:"envelope"`
	Rules     []Rule                 `yaml:"rules"`
}

// Rule is a named boolean expression over payload.
type Rule struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

// Build returns the transformer and validator described by c.
func Build(c Config) (bridge.Transformer, bridge.Validator, error) {
	var t bridge.Transformer
	switch strings.ToLower(c.Transform) {
	case "", TransformPassthrough:
		t = Passthrough()
	case TransformEnvelope:
		t = Envelope(c.Envelope)
	default:
		return nil, nil, fmt.Errorf("unknown transform %q", c.Transform)
	}
	if len(c.Rules) == 0 {
		return t, AcceptAll(), nil
	}
	v, err := NewRuleValidator(c.Rules...)
	if err != nil {
		return nil, nil, err
	}
	return t, v, nil
}

// Passthrough returns data unchanged.
func Passthrough() bridge.Transformer {
	return bridge.TransformFunc(func(_ context.Context, data interface{}) (interface{}, error) {
		return data, nil
	})
}

// Envelope wraps data as {"payload": data} plus the static fields. Fields
// never override the payload key.
func Envelope(fields map[string]interface{}) bridge.Transformer {
	static := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		static[k] = v
	}
	return bridge.TransformFunc(func(_ context.Context, data interface{}) (interface{}, error) {
		out := make(map[string]interface{}, len(static)+1)
		for k, v := range static {
			out[k] = v
		}
		out["payload"] = data
		return out, nil
	})
}

// AcceptAll accepts every payload.
func AcceptAll() bridge.Validator {
	return bridge.ValidateFunc(func(context.Context, interface{}) error { return nil })
}

// Chain runs validators in order and returns the first rejection.
func Chain(validators ...bridge.Validator) bridge.Validator {
	return bridge.ValidateFunc(func(ctx context.Context, payload interface{}) error {
		for _, v := range validators {
			if v == nil {
				continue
			}
			if err := v.Validate(ctx, payload); err != nil {
				return err
			}
		}
		return nil
	})
}

type compiledRule struct {
	name    string
	source  string
	program *vm.Program
}

// RuleValidator evaluates expr rules with the payload bound to "payload".
type RuleValidator struct {
	rules []compiledRule
}

// NewRuleValidator compiles every rule up front.
func NewRuleValidator(rules ...Rule) (*RuleValidator, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i+1)
		}
		program, err := expr.Compile(r.Expr, expr.Env(map[string]interface{}{"payload": nil}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("invalid rule %q: %w", name, err)
		}
		out = append(out, compiledRule{name: name, source: r.Expr, program: program})
	}
	return &RuleValidator{rules: out}, nil
}

// Validate reports the first rule that errors or evaluates to false.
func (v *RuleValidator) Validate(_ context.Context, payload interface{}) error {
	env := map[string]interface{}{"payload": payload}
	for _, r := range v.rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrRuleFailed, r.name, err)
		}
		if ok, _ := out.(bool); !ok {
			return fmt.Errorf("%w: %s (%s)", ErrRuleFailed, r.name, r.source)
		}
	}
	return nil
}
