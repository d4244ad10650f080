// Package spec defines the declarative templates proxies are created from.
//
// Specs are immutable once registered. Expression-bearing fields are resolved
// in two phases against a context that includes the proxy under construction;
// resolution always produces a fresh spec instance.
package spec

import (
	"maps"
	"slices"

	"github.com/stacklok/appproxy/pkg/proxy"
)

// ExpressionContext is the evaluation context for spec expressions.
// Fields may be nil when not applicable to the current phase.
type ExpressionContext struct {
	Proxy         *proxy.Proxy
	Spec          *ProxySpec
	ContainerSpec *ContainerSpec
	Principal     any
	Credentials   any
}

// Resolver evaluates a single expression-bearing string against a context.
type Resolver interface {
	Resolve(expression string, ctx ExpressionContext) (string, error)
}

// PortMappingSpec names a container port that gets a reverse-proxy route.
type PortMappingSpec struct {
	// Name is the route name, unique within the proxy.
	Name string `mapstructure:"name" yaml:"name"`
	// Port is the port inside the container.
	Port int `mapstructure:"port" yaml:"port"`
}

// ContainerSpec describes one container of a proxy spec.
type ContainerSpec struct {
	// Index is the stable ordinal of the container within the spec.
	Index int `mapstructure:"index" yaml:"index"`
	// Image is the container image reference. May contain expressions.
	Image string `mapstructure:"image" yaml:"image"`
	// Cmd overrides the image entrypoint arguments. May contain expressions.
	Cmd []string `mapstructure:"cmd" yaml:"cmd"`
	// Env is the container environment. Values may contain expressions.
	Env map[string]string `mapstructure:"env" yaml:"env"`
	// Network is the container network to attach to.
	Network string `mapstructure:"network" yaml:"network"`
	// PortMappings are the ports exposed through the reverse proxy.
	PortMappings []PortMappingSpec `mapstructure:"port-mappings" yaml:"port-mappings"`
}

// Clone returns a deep copy of the container spec.
func (c ContainerSpec) Clone() ContainerSpec {
	c.Cmd = slices.Clone(c.Cmd)
	c.Env = maps.Clone(c.Env)
	c.PortMappings = slices.Clone(c.PortMappings)
	return c
}

// AccessControlSpec restricts which users may start proxies from a spec.
type AccessControlSpec struct {
	// Users allowed by name.
	Users []string `mapstructure:"users" yaml:"users"`
	// Groups of which membership grants access.
	Groups []string `mapstructure:"groups" yaml:"groups"`
}

// HasAccessControl reports whether the block actually restricts anything.
func (a *AccessControlSpec) HasAccessControl() bool {
	return a != nil && (len(a.Users) > 0 || len(a.Groups) > 0)
}

// ParameterSpec declares a user-settable parameter of a spec.
type ParameterSpec struct {
	// ID is the parameter name accepted from callers.
	ID string `mapstructure:"id" yaml:"id"`
	// DisplayName is shown in user interfaces.
	DisplayName string `mapstructure:"display-name" yaml:"display-name"`
	// Values is the closed set of allowed values. Empty means free-form.
	Values []string `mapstructure:"values" yaml:"values"`
	// DefaultValue is applied when the caller supplies no value.
	DefaultValue string `mapstructure:"default-value" yaml:"default-value"`
}

// Allows reports whether the value is acceptable for this parameter. An
// empty value set means free-form input.
func (p ParameterSpec) Allows(value string) bool {
	if len(p.Values) == 0 {
		return true
	}
	return slices.Contains(p.Values, value)
}

// SharingExtension enables the pre-warmed seat pool for a spec.
type SharingExtension struct {
	// MinimumSeatsAvailable is the desired steady-state number of unclaimed seats.
	MinimumSeatsAvailable int `mapstructure:"minimum-seats-available" yaml:"minimum-seats-available"`
	// MaximumSeatsAvailable is the upper bound on unclaimed seats before scale-down.
	MaximumSeatsAvailable int `mapstructure:"maximum-seats-available" yaml:"maximum-seats-available"`
}

// ProxySpec is the declarative template for a proxy.
type ProxySpec struct {
	// ID is the unique spec id.
	ID string `mapstructure:"id" yaml:"id"`
	// DisplayName is the human-readable name. May contain expressions.
	DisplayName string `mapstructure:"display-name" yaml:"display-name"`
	// Description of the spec. May contain expressions.
	Description string `mapstructure:"description" yaml:"description"`
	// ContainerSpecs are the containers a proxy from this spec consists of.
	ContainerSpecs []ContainerSpec `mapstructure:"container-specs" yaml:"container-specs"`
	// AccessControl restricts who may start proxies from this spec.
	AccessControl *AccessControlSpec `mapstructure:"access-control" yaml:"access-control"`
	// Parameters the caller may override at start time.
	Parameters []ParameterSpec `mapstructure:"parameters" yaml:"parameters"`
	// Sharing enables the seat pool for this spec.
	Sharing *SharingExtension `mapstructure:"sharing" yaml:"sharing"`
	// HeartbeatTimeoutSeconds before an idle proxy is reaped. Zero uses the
	// process default.
	HeartbeatTimeoutSeconds int64 `mapstructure:"heartbeat-timeout-seconds" yaml:"heartbeat-timeout-seconds"`
	// MaxLifetimeMinutes bounds the total lifetime of a proxy. Zero disables.
	MaxLifetimeMinutes int64 `mapstructure:"max-lifetime-minutes" yaml:"max-lifetime-minutes"`
}

// Clone returns a deep copy of the spec.
func (s *ProxySpec) Clone() *ProxySpec {
	out := *s
	out.ContainerSpecs = make([]ContainerSpec, len(s.ContainerSpecs))
	for i, c := range s.ContainerSpecs {
		out.ContainerSpecs[i] = c.Clone()
	}
	if s.AccessControl != nil {
		ac := AccessControlSpec{
			Users:  slices.Clone(s.AccessControl.Users),
			Groups: slices.Clone(s.AccessControl.Groups),
		}
		out.AccessControl = &ac
	}
	out.Parameters = slices.Clone(s.Parameters)
	if s.Sharing != nil {
		sh := *s.Sharing
		out.Sharing = &sh
	}
	return &out
}

// FirstResolve evaluates the proxy-level expression fields and returns a
// fresh spec. Container fields are left untouched so a second phase can
// evaluate them against a context that already contains the partially
// resolved spec.
func (s *ProxySpec) FirstResolve(r Resolver, ctx ExpressionContext) (*ProxySpec, error) {
	out := s.Clone()
	ctx.Spec = s

	var err error
	if out.DisplayName, err = r.Resolve(s.DisplayName, ctx); err != nil {
		return nil, err
	}
	if out.Description, err = r.Resolve(s.Description, ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// FinalResolve evaluates the container-level expression fields and returns a
// fresh spec.
func (s *ProxySpec) FinalResolve(r Resolver, ctx ExpressionContext) (*ProxySpec, error) {
	out := s.Clone()
	ctx.Spec = s

	for i := range out.ContainerSpecs {
		cs := &out.ContainerSpecs[i]
		ctx.ContainerSpec = &s.ContainerSpecs[i]

		var err error
		if cs.Image, err = r.Resolve(cs.Image, ctx); err != nil {
			return nil, err
		}
		for j, arg := range cs.Cmd {
			if cs.Cmd[j], err = r.Resolve(arg, ctx); err != nil {
				return nil, err
			}
		}
		for name, value := range cs.Env {
			if cs.Env[name], err = r.Resolve(value, ctx); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Resolve runs both resolution phases with the same context, refreshing the
// spec reference in between. This is the single-shot path used for
// non-shared proxies.
func (s *ProxySpec) Resolve(r Resolver, ctx ExpressionContext) (*ProxySpec, error) {
	resolved, err := s.FirstResolve(r, ctx)
	if err != nil {
		return nil, err
	}
	ctx.Spec = resolved
	return resolved.FinalResolve(r, ctx)
}
