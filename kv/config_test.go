package kv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thinkermao/raftcore/raft/conf"
)

const sampleConfig = `
node:
  id: n1
  raft_addr: 127.0.0.1:7001
  http_addr: 127.0.0.1:8001
  wal_dir: /tmp/raftkv/n1
cluster:
  members:
    - id: n1
      raft_addr: 127.0.0.1:7001
    - id: n2
      raft_addr: 127.0.0.1:7002
    - id: n3
      raft_addr: 127.0.0.1:7003
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raftkv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestConfig_Load(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Equal(t, conf.MemberID("n1"), config.MemberID())
	require.Len(t, config.Founders(), 3)

	addrs := config.PeerAddrs()
	require.Len(t, addrs, 2)
	require.Equal(t, "127.0.0.1:7002", addrs["n2"])
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mangle func(*Config)
	}{
		{"missing id", func(c *Config) { c.Node.ID = "" }},
		{"missing wal dir", func(c *Config) { c.Node.WalDir = "" }},
		{"no members", func(c *Config) { c.Cluster.Members = nil }},
		{"self not listed", func(c *Config) { c.Node.ID = "n9" }},
		{"address mismatch", func(c *Config) { c.Node.RaftAddr = "127.0.0.1:9999" }},
		{"duplicate member", func(c *Config) {
			c.Cluster.Members = append(c.Cluster.Members, c.Cluster.Members[1])
		}},
	}

	for _, test := range cases {
		config, err := LoadConfig(writeConfig(t, sampleConfig))
		require.NoError(t, err)
		test.mangle(config)
		require.Error(t, config.Validate(), test.name)
	}
}
