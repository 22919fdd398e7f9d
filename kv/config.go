package kv

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/thinkermao/raftcore/raft/conf"
)

// Config describe one raftkv node and the cluster it belongs to.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
}

// NodeConfig describe the local node.
type NodeConfig struct {
	ID       string `yaml:"id"`
	RaftAddr string `yaml:"raft_addr"`
	HTTPAddr string `yaml:"http_addr"`
	WalDir   string `yaml:"wal_dir"`
}

// ClusterConfig list every member of the cluster, the local node
// included.
type ClusterConfig struct {
	Members []MemberConfig `yaml:"members"`
}

// MemberConfig names one member and its raft listen address.
type MemberConfig struct {
	ID       string `yaml:"id"`
	RaftAddr string `yaml:"raft_addr"`
}

// LoadConfig read and validate a yaml configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// Validate check the configuration for the mistakes a hand-edited yaml
// file tends to contain.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.RaftAddr == "" {
		return fmt.Errorf("node.raft_addr is required")
	}
	if c.Node.HTTPAddr == "" {
		return fmt.Errorf("node.http_addr is required")
	}
	if c.Node.WalDir == "" {
		return fmt.Errorf("node.wal_dir is required")
	}
	if len(c.Cluster.Members) == 0 {
		return fmt.Errorf("cluster.members must contain at least one member")
	}

	unique := make(map[string]bool)
	found := false
	for _, member := range c.Cluster.Members {
		if member.ID == "" {
			return fmt.Errorf("cluster member without id")
		}
		if member.RaftAddr == "" {
			return fmt.Errorf("cluster member %s without raft_addr", member.ID)
		}
		if unique[member.ID] {
			return fmt.Errorf("duplicate member id %s", member.ID)
		}
		unique[member.ID] = true

		if member.ID == c.Node.ID {
			found = true
			if member.RaftAddr != c.Node.RaftAddr {
				return fmt.Errorf("node address mismatch: node.raft_addr=%s but member lists %s",
					c.Node.RaftAddr, member.RaftAddr)
			}
		}
	}
	if !found {
		return fmt.Errorf("node.id=%s not found in cluster.members", c.Node.ID)
	}
	return nil
}

// MemberID return the local node's raft identity.
func (c *Config) MemberID() conf.MemberID {
	return conf.MemberID(c.Node.ID)
}

// Founders return the member ids of the configured cluster.
func (c *Config) Founders() []conf.MemberID {
	ids := make([]conf.MemberID, 0, len(c.Cluster.Members))
	for _, member := range c.Cluster.Members {
		ids = append(ids, conf.MemberID(member.ID))
	}
	return ids
}

// PeerAddrs return the raft address table for every member but the
// local node.
func (c *Config) PeerAddrs() map[conf.MemberID]string {
	addrs := make(map[conf.MemberID]string, len(c.Cluster.Members))
	for _, member := range c.Cluster.Members {
		if member.ID != c.Node.ID {
			addrs[conf.MemberID(member.ID)] = member.RaftAddr
		}
	}
	return addrs
}
