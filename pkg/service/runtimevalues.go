// Package service contains the proxy lifecycle engine: the state machine
// moving proxies between statuses, the access control predicate and the
// runtime value bookkeeping that feeds expression resolution.
package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/appproxy/pkg/auth"
	"github.com/stacklok/appproxy/pkg/errors"
	"github.com/stacklok/appproxy/pkg/proxy"
	"github.com/stacklok/appproxy/pkg/spec"
)

// RuntimeValueService attaches the per-proxy key/value pairs that are
// available during expression resolution and, for keys flagged as env, are
// injected into containers.
type RuntimeValueService struct {
	publicPathPrefix        string
	defaultHeartbeatTimeout time.Duration
	defaultMaxLifetime      time.Duration
}

// NewRuntimeValueService creates the service. The prefix is prepended to the
// proxy target id to form the public path runtime value.
func NewRuntimeValueService(publicPathPrefix string, heartbeatTimeout, maxLifetime time.Duration) *RuntimeValueService {
	return &RuntimeValueService{
		publicPathPrefix:        publicPathPrefix,
		defaultHeartbeatTimeout: heartbeatTimeout,
		defaultMaxLifetime:      maxLifetime,
	}
}

// AddRuntimeValuesBeforeResolve attaches the values that must exist before
// any expression in the spec is resolved: identity, spec id, display name and
// timing limits.
func (s *RuntimeValueService) AddRuntimeValuesBeforeResolve(user *auth.Identity, sp *spec.ProxySpec, p proxy.Proxy) proxy.Proxy {
	values := []proxy.RuntimeValue{
		proxy.NewRuntimeValue(proxy.SpecIDKey, sp.ID),
		proxy.NewRuntimeValue(proxy.CreatedTimestampKey, strconv.FormatInt(p.CreatedTimestamp.UnixMilli(), 10)),
		proxy.NewRuntimeValue(proxy.HeartbeatTimeoutKey, strconv.FormatInt(s.heartbeatTimeout(sp).Milliseconds(), 10)),
		proxy.NewRuntimeValue(proxy.MaxLifetimeKey, strconv.FormatInt(int64(s.maxLifetime(sp)/time.Minute), 10)),
	}
	if user != nil && !user.Anonymous {
		values = append(values,
			proxy.NewRuntimeValue(proxy.UserIDKey, user.UserID),
			proxy.NewRuntimeValue(proxy.UserGroupsKey, strings.Join(user.Groups, ",")),
		)
	}
	if _, ok := p.RuntimeValue(proxy.PublicPathKey); !ok {
		values = append(values, proxy.NewRuntimeValue(proxy.PublicPathKey, s.PublicPath(p.TargetID)))
	}
	return p.WithRuntimeValues(values)
}

// AddRuntimeValuesAfterResolve attaches the values that depend on the
// resolved spec, e.g. the display name which may itself be an expression.
func (s *RuntimeValueService) AddRuntimeValuesAfterResolve(sp *spec.ProxySpec, p proxy.Proxy) proxy.Proxy {
	displayName := sp.DisplayName
	if displayName == "" {
		displayName = sp.ID
	}
	p = p.WithRuntimeValue(proxy.NewRuntimeValue(proxy.DisplayNameKey, displayName))
	p.DisplayName = displayName
	return p
}

// AddRuntimeValuesAfterResolveContainer attaches the per-container values.
func (s *RuntimeValueService) AddRuntimeValuesAfterResolveContainer(cs spec.ContainerSpec, c proxy.Container) proxy.Container {
	if c.RuntimeValues == nil {
		c.RuntimeValues = make(map[string]proxy.RuntimeValue)
	}
	v := proxy.NewRuntimeValue(proxy.ContainerIndexKey, strconv.Itoa(cs.Index))
	c.RuntimeValues[v.Key.ID] = v
	return c
}

// PublicPath returns the path under which a proxy with the given target id is
// reachable.
func (s *RuntimeValueService) PublicPath(targetID string) string {
	return s.publicPathPrefix + targetID + "/"
}

// ProcessParameters validates the user-provided parameter values against the
// spec, fills in defaults for omitted parameters and stores the result as a
// runtime value. Specs without parameters ignore the input.
func (s *RuntimeValueService) ProcessParameters(sp *spec.ProxySpec, parameters map[string]string, p proxy.Proxy) (proxy.Proxy, error) {
	if len(sp.Parameters) == 0 {
		return p, nil
	}

	resolved := make(map[string]string, len(sp.Parameters))
	for _, param := range sp.Parameters {
		value, provided := parameters[param.ID]
		if !provided {
			if param.DefaultValue == "" {
				return proxy.Proxy{}, errors.NewInvalidParametersError(
					fmt.Sprintf("missing value for parameter %s", param.ID), nil)
			}
			value = param.DefaultValue
		}
		if !param.Allows(value) {
			return proxy.Proxy{}, errors.NewInvalidParametersError(
				fmt.Sprintf("value %q is not allowed for parameter %s", value, param.ID), nil)
		}
		resolved[param.ID] = value
	}

	for id := range parameters {
		if _, ok := resolved[id]; !ok {
			return proxy.Proxy{}, errors.NewInvalidParametersError(
				fmt.Sprintf("unknown parameter %s", id), nil)
		}
	}

	encoded, err := json.Marshal(resolved)
	if err != nil {
		return proxy.Proxy{}, errors.NewInternalError("cannot encode parameter values", err)
	}
	return p.WithRuntimeValue(proxy.NewRuntimeValue(proxy.ParameterValuesKey, string(encoded))), nil
}

func (s *RuntimeValueService) heartbeatTimeout(sp *spec.ProxySpec) time.Duration {
	if sp.HeartbeatTimeoutSeconds > 0 {
		return time.Duration(sp.HeartbeatTimeoutSeconds) * time.Second
	}
	return s.defaultHeartbeatTimeout
}

func (s *RuntimeValueService) maxLifetime(sp *spec.ProxySpec) time.Duration {
	if sp.MaxLifetimeMinutes > 0 {
		return time.Duration(sp.MaxLifetimeMinutes) * time.Minute
	}
	return s.defaultMaxLifetime
}
