package spec

import (
	"github.com/spf13/viper"

	"github.com/stacklok/appproxy/pkg/errors"
)

// LoadFile reads proxy specs from a YAML file into a fresh registry. The
// file carries the specs under a top-level "specs" key.
func LoadFile(path string) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.NewInternalError("cannot read spec file "+path, err)
	}

	var specs []ProxySpec
	if err := v.UnmarshalKey("specs", &specs); err != nil {
		return nil, errors.NewInternalError("cannot parse spec file "+path, err)
	}

	registry := NewRegistry()
	for i := range specs {
		normalize(&specs[i])
		if err := registry.Register(&specs[i]); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// normalize fills in the derivable defaults of a freshly parsed spec.
func normalize(s *ProxySpec) {
	for i := range s.ContainerSpecs {
		s.ContainerSpecs[i].Index = i
	}
}
