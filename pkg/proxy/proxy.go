// Package proxy defines the runtime model of a proxy: a user-owned group of
// containers fronted by reverse-proxy routes.
//
// Proxy values are treated as immutable. Mutation happens by deriving a new
// value through the With* helpers; the authoritative current version of a
// proxy lives in the proxy store.
package proxy

import (
	"maps"
	"net/url"
	"slices"
	"time"
)

// Container is a single container of a proxy.
type Container struct {
	// Index is the stable ordinal of the container within its spec.
	Index int
	// ID is assigned by the backend and empty until the backend returns.
	ID string
	// RuntimeValues are the container-scoped runtime values, keyed by key id.
	RuntimeValues map[string]RuntimeValue
	// Targets maps route names to the container-local target URLs.
	Targets map[string]*url.URL
}

// Clone returns a deep copy of the container.
func (c Container) Clone() Container {
	c.RuntimeValues = maps.Clone(c.RuntimeValues)
	c.Targets = maps.Clone(c.Targets)
	return c
}

// Proxy is the unit the lifecycle state machine governs.
type Proxy struct {
	// ID is the unique id of the proxy.
	ID string
	// TargetID is the id of the proxy that owns the containers. It equals ID
	// except for delegating proxies bound to a pre-warmed seat.
	TargetID string
	// SpecID is the id of the spec the proxy was created from.
	SpecID string
	// UserID is the owning user, empty for pool-owned delegate proxies.
	UserID string
	// DisplayName is the human-readable name shown to users.
	DisplayName string
	// Status is the current lifecycle state.
	Status Status
	// CreatedTimestamp is the creation time of the record.
	CreatedTimestamp time.Time
	// StartupTimestamp is zero until the proxy reached Up.
	StartupTimestamp time.Time
	// Containers owned by this proxy, ordered by index.
	Containers []Container
	// RuntimeValues keyed by key id.
	RuntimeValues map[string]RuntimeValue
	// Targets maps route names to target URLs, derived from the containers.
	Targets map[string]*url.URL
}

// Clone returns a deep copy of the proxy.
func (p Proxy) Clone() Proxy {
	p.Containers = slices.Clone(p.Containers)
	for i := range p.Containers {
		p.Containers[i] = p.Containers[i].Clone()
	}
	p.RuntimeValues = maps.Clone(p.RuntimeValues)
	p.Targets = maps.Clone(p.Targets)
	return p
}

// WithStatus derives a copy of the proxy with the given status.
func (p Proxy) WithStatus(status Status) Proxy {
	p = p.Clone()
	p.Status = status
	return p
}

// WithTargetID derives a copy of the proxy bound to the given target proxy id.
func (p Proxy) WithTargetID(targetID string) Proxy {
	p = p.Clone()
	p.TargetID = targetID
	return p
}

// WithStartup derives a copy of the proxy marked Up as of the given time.
func (p Proxy) WithStartup(ts time.Time) Proxy {
	p = p.Clone()
	p.StartupTimestamp = ts
	p.Status = StatusUp
	return p
}

// WithRuntimeValue derives a copy of the proxy carrying the given runtime value.
func (p Proxy) WithRuntimeValue(value RuntimeValue) Proxy {
	p = p.Clone()
	if p.RuntimeValues == nil {
		p.RuntimeValues = make(map[string]RuntimeValue)
	}
	p.RuntimeValues[value.Key.ID] = value
	return p
}

// WithRuntimeValues derives a copy of the proxy carrying all given runtime values.
func (p Proxy) WithRuntimeValues(values []RuntimeValue) Proxy {
	p = p.Clone()
	if p.RuntimeValues == nil {
		p.RuntimeValues = make(map[string]RuntimeValue, len(values))
	}
	for _, v := range values {
		p.RuntimeValues[v.Key.ID] = v
	}
	return p
}

// WithContainers derives a copy of the proxy owning the given containers,
// with the proxy-level targets rebuilt from the container targets.
func (p Proxy) WithContainers(containers []Container) Proxy {
	p = p.Clone()
	p.Containers = slices.Clone(containers)
	p.Targets = make(map[string]*url.URL)
	for _, c := range p.Containers {
		for name, target := range c.Targets {
			p.Targets[name] = target
		}
	}
	return p
}

// DefaultPortMappingName is the conventional name of the primary port
// mapping of a spec.
const DefaultPortMappingName = "default"

// RouteName builds the reverse-proxy route name for a port mapping of the
// proxy with the given target id. The default mapping claims the bare target
// id; additional mappings get a suffixed name. Names stay single path
// segments.
func RouteName(targetID, portMappingName string) string {
	if portMappingName == "" || portMappingName == DefaultPortMappingName {
		return targetID
	}
	return targetID + "-" + portMappingName
}

// RuntimeValue returns the value stored under the given key, if any.
func (p Proxy) RuntimeValue(key RuntimeValueKey) (RuntimeValue, bool) {
	v, ok := p.RuntimeValues[key.ID]
	return v, ok
}

// EnvVars collects all runtime values flagged for environment injection,
// container values taking precedence over proxy-level ones.
func (p Proxy) EnvVars(containerIndex int) map[string]string {
	env := make(map[string]string)
	for _, v := range p.RuntimeValues {
		if v.Key.IncludeAsEnv {
			env[v.Key.EnvVar] = v.Value
		}
	}
	for _, c := range p.Containers {
		if c.Index != containerIndex {
			continue
		}
		for _, v := range c.RuntimeValues {
			if v.Key.IncludeAsEnv {
				env[v.Key.EnvVar] = v.Value
			}
		}
	}
	return env
}
