// Package config holds the node configuration, loaded from YAML before
// startup and read-only afterwards.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Version is the version of the node, set at the build time.
var Version string

// Config is the top level structure of the node configuration file.
type Config struct {
	ApplicationConfiguration ApplicationConfiguration `yaml:"ApplicationConfiguration"`
}

// ApplicationConfiguration holds everything a running node needs: its own
// identity, cluster membership, the RPC transport settings and the service
// sections.
type ApplicationConfiguration struct {
	Logger `yaml:",inline"`

	// NodeName is this node's cluster-wide unique name.
	NodeName string `yaml:"NodeName"`
	// Cluster lists the known members, name to host.
	Cluster ClusterConfiguration `yaml:"Cluster"`
	RPC     RPCConfiguration     `yaml:"RPC"`

	Pprof      BasicService `yaml:"Pprof"`
	Prometheus BasicService `yaml:"Prometheus"`
}

// Validate checks the whole application section for consistency.
func (a ApplicationConfiguration) Validate() error {
	if a.NodeName == "" {
		return fmt.Errorf("NodeName is required")
	}
	if err := a.Logger.Validate(); err != nil {
		return err
	}
	return a.RPC.Validate()
}

// LoadFile loads and validates the config from the provided path.
func LoadFile(configPath string) (Config, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}
	config := Config{
		ApplicationConfiguration: ApplicationConfiguration{
			RPC: DefaultRPCConfiguration(),
		},
	}
	decoder := yaml.NewDecoder(bytes.NewReader(configData))
	decoder.KnownFields(true)
	err = decoder.Decode(&config)
	if err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	err = config.ApplicationConfiguration.Validate()
	if err != nil {
		return Config{}, err
	}
	return config, nil
}
