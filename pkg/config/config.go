package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Node holds the configuration for one cluster node
type Node struct {
	// Bind is the host:port this node listens on; it is also the
	// node's identity in the replication protocol.
	Bind string `yaml:"bind"`

	// DBPath is the SQLite database file for this node.
	DBPath string `yaml:"db_path"`

	// Peers lists the other cluster members as host:port.
	Peers []string `yaml:"peers"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Client holds the configuration for the CLI client
type Client struct {
	// Cluster lists every node the client may contact for leader
	// discovery, in host:port form.
	Cluster  []string `yaml:"cluster"`
	Username string   `yaml:"username"`
}

// LoadNode reads a node configuration file
func LoadNode(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Node
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in unset fields
func (c *Node) ApplyDefaults() {
	if c.Bind == "" {
		c.Bind = "127.0.0.1:9101"
	}
	if c.DBPath == "" {
		c.DBPath = "./parley.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the node configuration for obvious mistakes
func (c *Node) Validate() error {
	if c.Bind == "" {
		return fmt.Errorf("bind address is required")
	}
	for _, p := range c.Peers {
		if p == c.Bind {
			return fmt.Errorf("peer list must not contain the node's own bind address %s", c.Bind)
		}
	}
	return nil
}

// LoadClient reads a client configuration file
func LoadClient(path string) (*Client, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Client
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Cluster) == 0 {
		return nil, fmt.Errorf("cluster list is required")
	}
	return &cfg, nil
}
