// Package expr evaluates the expressions embedded in proxy specs.
//
// Expression-bearing fields use #{...} placeholders; the inner expression is
// compiled and evaluated with CEL against a context holding the proxy under
// construction, the spec, and the caller's principal and credentials.
package expr

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/stacklok/appproxy/pkg/errors"
	"github.com/stacklok/appproxy/pkg/proxy"
	"github.com/stacklok/appproxy/pkg/spec"
)

var placeholderRegexp = regexp.MustCompile(`#\{([^}]*)\}`)

// Resolver compiles and evaluates spec expressions. Compiled programs are
// cached per expression source, so repeated resolution of the same spec is
// cheap. Safe for concurrent use.
type Resolver struct {
	env      *cel.Env
	programs sync.Map // expression source -> cel.Program
}

// NewResolver creates a resolver with the spec expression environment.
func NewResolver() (*Resolver, error) {
	env, err := cel.NewEnv(
		cel.Variable("proxy", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("spec", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("containerSpec", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("principal", cel.DynType),
		cel.Variable("credentials", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}
	return &Resolver{env: env}, nil
}

// Resolve substitutes every #{...} placeholder in the given string. Strings
// without placeholders are returned unchanged.
func (r *Resolver) Resolve(expression string, ctx spec.ExpressionContext) (string, error) {
	if !strings.Contains(expression, "#{") {
		return expression, nil
	}

	activation := buildActivation(ctx)

	var resolveErr error
	out := placeholderRegexp.ReplaceAllStringFunc(expression, func(match string) string {
		if resolveErr != nil {
			return match
		}
		source := match[2 : len(match)-1]
		value, err := r.eval(source, activation)
		if err != nil {
			resolveErr = err
			return match
		}
		return value
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}

func (r *Resolver) eval(source string, activation map[string]any) (string, error) {
	program, err := r.program(source)
	if err != nil {
		return "", err
	}
	val, _, err := program.Eval(activation)
	if err != nil {
		return "", errors.NewInternalError(fmt.Sprintf("failed to evaluate expression %q", source), err)
	}
	return fmt.Sprintf("%v", val.Value()), nil
}

func (r *Resolver) program(source string) (cel.Program, error) {
	if cached, ok := r.programs.Load(source); ok {
		return cached.(cel.Program), nil
	}
	ast, issues := r.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, errors.NewInternalError(fmt.Sprintf("failed to compile expression %q", source), issues.Err())
	}
	program, err := r.env.Program(ast)
	if err != nil {
		return nil, errors.NewInternalError(fmt.Sprintf("failed to plan expression %q", source), err)
	}
	actual, _ := r.programs.LoadOrStore(source, program)
	return actual.(cel.Program), nil
}

func buildActivation(ctx spec.ExpressionContext) map[string]any {
	activation := map[string]any{
		"proxy":         map[string]any{},
		"spec":          map[string]any{},
		"containerSpec": map[string]any{},
		"principal":     ctx.Principal,
		"credentials":   ctx.Credentials,
	}
	if ctx.Proxy != nil {
		activation["proxy"] = proxyToMap(ctx.Proxy)
	}
	if ctx.Spec != nil {
		activation["spec"] = specToMap(ctx.Spec)
	}
	if ctx.ContainerSpec != nil {
		activation["containerSpec"] = containerSpecToMap(ctx.ContainerSpec)
	}
	return activation
}

func proxyToMap(p *proxy.Proxy) map[string]any {
	runtimeValues := make(map[string]string, len(p.RuntimeValues))
	for id, v := range p.RuntimeValues {
		runtimeValues[id] = v.Value
	}
	return map[string]any{
		"id":               p.ID,
		"targetId":         p.TargetID,
		"specId":           p.SpecID,
		"userId":           p.UserID,
		"displayName":      p.DisplayName,
		"status":           string(p.Status),
		"createdTimestamp": p.CreatedTimestamp.Unix(),
		"runtimeValues":    runtimeValues,
	}
}

func specToMap(s *spec.ProxySpec) map[string]any {
	return map[string]any{
		"id":          s.ID,
		"displayName": s.DisplayName,
		"description": s.Description,
	}
}

func containerSpecToMap(c *spec.ContainerSpec) map[string]any {
	env := make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		env[k] = v
	}
	return map[string]any{
		"index": c.Index,
		"image": c.Image,
		"env":   env,
	}
}
