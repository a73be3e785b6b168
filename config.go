package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"infiniquotient/blockstore"
	"infiniquotient/filter"
)

type Config struct {
	Filter struct {
		Type               string  `yaml:"type"`
		FalsePositiveRate  float64 `yaml:"false_positive_rate"`
		Policy             string  `yaml:"policy"`
		Hash               string  `yaml:"hash"`
		MinLogSize         int     `yaml:"min_log_size"`
		ExpansionThreshold float64 `yaml:"expansion_threshold"`
	} `yaml:"filter"`

	Datastore struct {
		Type          string   `yaml:"type"`
		Path          string   `yaml:"path"`
		AllowedCodecs []string `yaml:"allowed_codecs"`
	} `yaml:"datastore"`

	Server struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		Concurrency int    `yaml:"concurrency"`
		APIKey      string `yaml:"api_key"`
	} `yaml:"server"`

	Raft struct {
		Enabled     bool          `yaml:"enabled"`
		NodeID      string        `yaml:"node_id"`
		TCPAddress  string        `yaml:"tcp_address"`
		Timeout     time.Duration `yaml:"timeout"`
		SnapshotDir string        `yaml:"snapshot_dir"`
		LogDir      string        `yaml:"log_dir"`
		// Peers are "id=host:port" pairs bootstrapped along with this node.
		Peers []string `yaml:"peers"`
	} `yaml:"raft"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

const (
	DefaultConfigFilename     = "infiniquotient.config.yaml"
	defaultFilterType         = "infini"
	defaultFalsePositiveRate  = 0.01
	defaultPolicy             = "polynomial"
	defaultHash               = "xxh"
	defaultMinLogSize         = 17
	defaultExpansionThreshold = 0.8
	defaultDatastoreType      = "ram"
	defaultDatastorePath      = "/infiniquotient/blocks"
	defaultServerHost         = "0.0.0.0"
	defaultServerPort         = 8080
	defaultRaftPort           = 7000
	defaultSnapshotDir        = "/infiniquotient/raft/snapshots"
	defaultLogDir             = "/infiniquotient/raft/logs"
	defaultLogLevel           = "info"
)

func GenerateUUID() string {
	return uuid.NewString()
}

func createDefaultConfig() *Config {
	cfg := &Config{}

	cfg.Filter.Type = defaultFilterType
	cfg.Filter.FalsePositiveRate = defaultFalsePositiveRate
	cfg.Filter.Policy = defaultPolicy
	cfg.Filter.Hash = defaultHash
	cfg.Filter.MinLogSize = defaultMinLogSize
	cfg.Filter.ExpansionThreshold = defaultExpansionThreshold

	cfg.Datastore.Type = defaultDatastoreType
	cfg.Datastore.Path = defaultDatastorePath

	cfg.Server.Host = defaultServerHost
	cfg.Server.Port = defaultServerPort
	cfg.Server.Concurrency = runtime.NumCPU() * 256

	cfg.Raft.NodeID = GenerateUUID()
	cfg.Raft.TCPAddress = fmt.Sprintf("127.0.0.1:%d", defaultRaftPort)
	cfg.Raft.Timeout = time.Second
	cfg.Raft.SnapshotDir = defaultSnapshotDir
	cfg.Raft.LogDir = defaultLogDir

	cfg.Log.Level = defaultLogLevel

	return cfg
}

func mergeConfigs(defaultConfig, userConfig Config) Config {
	mergedConfig := defaultConfig

	if userConfig.Filter.Type != "" {
		mergedConfig.Filter.Type = userConfig.Filter.Type
	}
	if userConfig.Filter.FalsePositiveRate != 0 {
		mergedConfig.Filter.FalsePositiveRate = userConfig.Filter.FalsePositiveRate
	}
	if userConfig.Filter.Policy != "" {
		mergedConfig.Filter.Policy = userConfig.Filter.Policy
	}
	if userConfig.Filter.Hash != "" {
		mergedConfig.Filter.Hash = userConfig.Filter.Hash
	}
	if userConfig.Filter.MinLogSize != 0 {
		mergedConfig.Filter.MinLogSize = userConfig.Filter.MinLogSize
	}
	if userConfig.Filter.ExpansionThreshold != 0 {
		mergedConfig.Filter.ExpansionThreshold = userConfig.Filter.ExpansionThreshold
	}
	if userConfig.Datastore.Type != "" {
		mergedConfig.Datastore.Type = userConfig.Datastore.Type
	}
	if userConfig.Datastore.Path != "" {
		mergedConfig.Datastore.Path = userConfig.Datastore.Path
	}
	if len(userConfig.Datastore.AllowedCodecs) > 0 {
		mergedConfig.Datastore.AllowedCodecs = userConfig.Datastore.AllowedCodecs
	}
	if userConfig.Server.Host != "" {
		mergedConfig.Server.Host = userConfig.Server.Host
	}
	if userConfig.Server.Port != 0 {
		mergedConfig.Server.Port = userConfig.Server.Port
	}
	if userConfig.Server.Concurrency != 0 {
		mergedConfig.Server.Concurrency = userConfig.Server.Concurrency
	}
	if userConfig.Server.APIKey != "" {
		mergedConfig.Server.APIKey = userConfig.Server.APIKey
	}
	if userConfig.Raft.Enabled {
		mergedConfig.Raft.Enabled = true
	}
	if userConfig.Raft.NodeID != "" {
		mergedConfig.Raft.NodeID = userConfig.Raft.NodeID
	}
	if userConfig.Raft.TCPAddress != "" {
		mergedConfig.Raft.TCPAddress = userConfig.Raft.TCPAddress
	}
	if userConfig.Raft.Timeout != 0 {
		mergedConfig.Raft.Timeout = userConfig.Raft.Timeout
	}
	if userConfig.Raft.SnapshotDir != "" {
		mergedConfig.Raft.SnapshotDir = userConfig.Raft.SnapshotDir
	}
	if userConfig.Raft.LogDir != "" {
		mergedConfig.Raft.LogDir = userConfig.Raft.LogDir
	}
	if len(userConfig.Raft.Peers) > 0 {
		mergedConfig.Raft.Peers = userConfig.Raft.Peers
	}
	if userConfig.Log.Level != "" {
		mergedConfig.Log.Level = userConfig.Log.Level
	}
	if userConfig.Log.JSON {
		mergedConfig.Log.JSON = true
	}

	return mergedConfig
}

func ParseConfigFile(filename string) (*Config, error) {
	if filename == "" {
		filename = DefaultConfigFilename
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("could not open config file: %w", err)
	}
	defer file.Close()

	userConfig := &Config{}
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(userConfig); err != nil {
		return nil, fmt.Errorf("could not decode config file: %w", err)
	}

	defaultConfig := createDefaultConfig()
	finalConfig := mergeConfigs(*defaultConfig, *userConfig)

	if err := finalConfig.Validate(); err != nil {
		return nil, err
	}
	return &finalConfig, nil
}

// LoadConfig reads filename, falling back to the defaults when no file was
// named and the default file does not exist.
func LoadConfig(filename string) (*Config, error) {
	cfg, err := ParseConfigFile(filename)
	if filename == "" && errors.Is(err, fs.ErrNotExist) {
		return createDefaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", filter.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch c.Filter.Type {
	case "none", "infini":
	default:
		return invalid("filter.type %q, want none or infini", c.Filter.Type)
	}
	if !(c.Filter.FalsePositiveRate > 0 && c.Filter.FalsePositiveRate < 1) {
		return invalid("filter.false_positive_rate %v outside (0, 1)", c.Filter.FalsePositiveRate)
	}
	if _, err := filter.ParsePolicy(c.Filter.Policy); err != nil {
		return err
	}
	if _, err := filter.ParseHashType(c.Filter.Hash); err != nil {
		return err
	}
	if c.Filter.MinLogSize < 1 || c.Filter.MinLogSize > 32 {
		return invalid("filter.min_log_size %d outside [1, 32]", c.Filter.MinLogSize)
	}
	if !(c.Filter.ExpansionThreshold > 0 && c.Filter.ExpansionThreshold <= 1) {
		return invalid("filter.expansion_threshold %v outside (0, 1]", c.Filter.ExpansionThreshold)
	}

	switch c.Datastore.Type {
	case "ram", "bolt", "leveldb":
	default:
		return invalid("datastore.type %q, want ram, bolt or leveldb", c.Datastore.Type)
	}
	if _, err := blockstore.ParseCodecs(c.Datastore.AllowedCodecs); err != nil {
		return err
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("server.port %d", c.Server.Port)
	}
	if c.Server.Concurrency < 1 {
		return invalid("server.concurrency %d", c.Server.Concurrency)
	}

	if c.Raft.Enabled {
		if c.Raft.Timeout <= 0 {
			return invalid("raft.timeout %s", c.Raft.Timeout)
		}
		if _, err := parsePeers(c.Raft.Peers); err != nil {
			return err
		}
	}

	if hclog.LevelFromString(c.Log.Level) == hclog.NoLevel {
		return invalid("log.level %q", c.Log.Level)
	}
	return nil
}

type peer struct {
	id, address string
}

func parsePeers(peers []string) ([]peer, error) {
	parsed := make([]peer, 0, len(peers))
	for _, p := range peers {
		id, address, ok := strings.Cut(p, "=")
		if !ok || id == "" || address == "" {
			return nil, fmt.Errorf("%w: raft peer %q, want id=host:port", filter.ErrInvalidConfig, p)
		}
		parsed = append(parsed, peer{id: id, address: address})
	}
	return parsed, nil
}

// filterOptions turns the filter section into construction options.
func (c *Config) filterOptions(logger hclog.Logger) []filter.Option {
	// Validate has already rejected unknown names.
	policy, _ := filter.ParsePolicy(c.Filter.Policy)
	hash, _ := filter.ParseHashType(c.Filter.Hash)
	return []filter.Option{
		filter.WithPolicy(policy),
		filter.WithHashType(hash),
		filter.WithMinLogSize(c.Filter.MinLogSize),
		filter.WithExpansionThreshold(c.Filter.ExpansionThreshold),
		filter.WithLogger(logger),
	}
}

func newLogger(c *Config) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "infiniquotient",
		Level:      hclog.LevelFromString(c.Log.Level),
		JSONFormat: c.Log.JSON,
		Output:     os.Stderr,
	})
}
