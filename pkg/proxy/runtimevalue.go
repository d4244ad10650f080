package proxy

// RuntimeValueKey identifies a runtime value attached to a proxy or container.
// Keys are stable identifiers; EnvVar is the name under which the value is
// exposed to the container environment when IncludeAsEnv is set.
type RuntimeValueKey struct {
	ID           string
	EnvVar       string
	IncludeAsEnv bool
}

// Well-known runtime value keys.
var (
	// PublicPathKey carries the public path under which the proxy is reachable.
	PublicPathKey = RuntimeValueKey{ID: "appproxy/public-path", EnvVar: "APPPROXY_PUBLIC_PATH", IncludeAsEnv: true}
	// UserIDKey carries the id of the owning user.
	UserIDKey = RuntimeValueKey{ID: "appproxy/user-id", EnvVar: "APPPROXY_USERNAME", IncludeAsEnv: true}
	// UserGroupsKey carries the groups of the owning user.
	UserGroupsKey = RuntimeValueKey{ID: "appproxy/user-groups", EnvVar: "APPPROXY_USERGROUPS", IncludeAsEnv: true}
	// SpecIDKey carries the id of the spec the proxy was created from.
	SpecIDKey = RuntimeValueKey{ID: "appproxy/spec-id", EnvVar: "APPPROXY_APP_ID", IncludeAsEnv: true}
	// DisplayNameKey carries the human-readable name of the proxy.
	DisplayNameKey = RuntimeValueKey{ID: "appproxy/display-name", EnvVar: "APPPROXY_APP_NAME", IncludeAsEnv: true}
	// CreatedTimestampKey carries the creation time of the proxy in unix seconds.
	CreatedTimestampKey = RuntimeValueKey{ID: "appproxy/created-timestamp", EnvVar: "APPPROXY_CREATED_TIMESTAMP", IncludeAsEnv: false}
	// HeartbeatTimeoutKey carries the heartbeat timeout of the proxy in seconds.
	HeartbeatTimeoutKey = RuntimeValueKey{ID: "appproxy/heartbeat-timeout", EnvVar: "APPPROXY_HEARTBEAT_TIMEOUT", IncludeAsEnv: true}
	// MaxLifetimeKey carries the maximum lifetime of the proxy in minutes.
	MaxLifetimeKey = RuntimeValueKey{ID: "appproxy/max-lifetime", EnvVar: "APPPROXY_MAX_LIFETIME", IncludeAsEnv: false}
	// ParameterValuesKey carries the validated user-supplied parameter values as JSON.
	ParameterValuesKey = RuntimeValueKey{ID: "appproxy/parameter-values", EnvVar: "APPPROXY_PARAMETER_VALUES", IncludeAsEnv: false}
	// ContainerIndexKey carries the ordinal of a container within its spec.
	ContainerIndexKey = RuntimeValueKey{ID: "appproxy/container-index", EnvVar: "APPPROXY_CONTAINER_INDEX", IncludeAsEnv: false}
	// SeatIDKey carries the id of the claimed seat of a delegating proxy.
	SeatIDKey = RuntimeValueKey{ID: "appproxy/seat-id", EnvVar: "APPPROXY_SEAT_ID", IncludeAsEnv: false}
)

// RuntimeValue is a keyed opaque value injected into a proxy before or after
// spec resolution.
type RuntimeValue struct {
	Key   RuntimeValueKey
	Value string
}

// NewRuntimeValue pairs a key with its value.
func NewRuntimeValue(key RuntimeValueKey, value string) RuntimeValue {
	return RuntimeValue{Key: key, Value: value}
}
