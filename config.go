package dfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/drone/envsubst"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// NamingConfig configures a naming server.
type NamingConfig struct {
	Address        ServerAddress `yaml:"address" json:"address"`
	MetricsAddress string        `yaml:"metricsAddress" json:"metricsAddress"` // empty disables /metrics

	// Every ReplicationThreshold shared locks on a file schedule one
	// replication task for it.
	ReplicationThreshold int `yaml:"replicationThreshold" json:"replicationThreshold"`
	ReplicationWorkers   int `yaml:"replicationWorkers" json:"replicationWorkers"`
	ReplicationQueue     int `yaml:"replicationQueue" json:"replicationQueue"`

	LogLevel string `yaml:"logLevel" json:"logLevel"`
}

// StorageConfig configures a storage server.
type StorageConfig struct {
	DataAddress    ServerAddress `yaml:"dataAddress" json:"dataAddress"`
	CommandAddress ServerAddress `yaml:"commandAddress" json:"commandAddress"`
	NamingAddress  ServerAddress `yaml:"namingAddress" json:"namingAddress"`
}

type Config struct {
	Naming  NamingConfig    `yaml:"naming" json:"naming"`
	Storage []StorageConfig `yaml:"storage" json:"storage"`
}

// DefaultNamingConfig returns a naming config listening on address with
// every tunable at its default.
func DefaultNamingConfig(address ServerAddress) NamingConfig {
	c := NamingConfig{Address: address}
	c.applyDefaults()
	return c
}

func (c *NamingConfig) applyDefaults() {
	if c.ReplicationThreshold == 0 {
		c.ReplicationThreshold = DefaultReplicationThreshold
	}
	if c.ReplicationWorkers == 0 {
		c.ReplicationWorkers = DefaultReplicationWorkers
	}
	if c.ReplicationQueue == 0 {
		c.ReplicationQueue = DefaultReplicationQueue
	}
}

// Validate checks that c can be used to start a naming server.
func (c *NamingConfig) Validate() error {
	if c.Address == "" {
		return Errorf(InvalidArgument, "naming address is empty")
	}
	if c.ReplicationThreshold < 1 {
		return Errorf(InvalidArgument, "replicationThreshold %d must be at least 1", c.ReplicationThreshold)
	}
	if c.ReplicationWorkers < 1 {
		return Errorf(InvalidArgument, "replicationWorkers %d must be at least 1", c.ReplicationWorkers)
	}
	if c.ReplicationQueue < 0 {
		return Errorf(InvalidArgument, "replicationQueue %d must not be negative", c.ReplicationQueue)
	}
	if c.LogLevel != "" {
		if _, err := log.ParseLevel(c.LogLevel); err != nil {
			return Errorf(InvalidArgument, "logLevel: %v", err)
		}
	}
	return nil
}

// Validate checks that c can be used to start a storage server.
func (c *StorageConfig) Validate() error {
	if c.DataAddress == "" || c.CommandAddress == "" {
		return Errorf(InvalidArgument, "storage server needs both a data and a command address")
	}
	if c.DataAddress == c.CommandAddress {
		return Errorf(InvalidArgument, "data and command address are both %v", c.DataAddress)
	}
	if c.NamingAddress == "" {
		return Errorf(InvalidArgument, "storage server %v has no naming address", c.DataAddress)
	}
	return nil
}

// LoadConfig reads a .yaml/.yml or .json config file. ${VAR} references are
// expanded from the environment before parsing.
func LoadConfig(configFilePath string) (*Config, error) {
	content, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("unable to read config-file: %v", err)
	}

	expanded, err := envsubst.Eval(string(content), os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("unable to expand config-file \"%s\" (err: %v)", configFilePath, err)
	}

	config := &Config{}
	switch ext := filepath.Ext(configFilePath); ext {
	case ".json":
		err = json.Unmarshal([]byte(expanded), config)
		if err != nil {
			return nil, fmt.Errorf("unable to parse config-file \"%s\" as JSON (err: %v)", configFilePath, err)
		}
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(expanded), config)
		if err != nil {
			return nil, fmt.Errorf("unable to parse config-file \"%s\" as YAML (err: %v)", configFilePath, err)
		}
	default:
		return nil, fmt.Errorf("unsupported extension (\"%s\") in config-file \"%s\" - must be one of \".json\" or \".yaml\"", ext, configFilePath)
	}

	config.Naming.applyDefaults()
	if err = config.Naming.Validate(); err != nil {
		return nil, err
	}
	for i := range config.Storage {
		if config.Storage[i].NamingAddress == "" {
			config.Storage[i].NamingAddress = config.Naming.Address
		}
		if err = config.Storage[i].Validate(); err != nil {
			return nil, err
		}
	}
	return config, nil
}

// SetLogLevel applies a logrus level name. An empty name leaves the level as is.
func SetLogLevel(level string) error {
	if level == "" {
		return nil
	}
	l, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(l)
	return nil
}
