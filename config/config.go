// Package config loads node settings from a YAML file and the environment
// and turns them into a node.Config.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/toxnode/node"
)

// SecretKeyEnv names the environment variable holding the hex DHT secret key.
const SecretKeyEnv = "TOX_SECRET_KEY"

// ErrConfig wraps every problem found in a configuration file.
var ErrConfig = errors.New("invalid configuration")

// LogType selects where logs are written.
type LogType string

const (
	LogStderr LogType = "Stderr"
	LogStdout LogType = "Stdout"
	LogSyslog LogType = "Syslog"
	LogNone   LogType = "None"
)

// LogTypes lists the accepted log types.
var LogTypes = []LogType{LogStderr, LogStdout, LogSyslog, LogNone}

// ParseLogType accepts a log type name in any case.
func ParseLogType(s string) (LogType, error) {
	for _, lt := range LogTypes {
		if strings.EqualFold(string(lt), strings.TrimSpace(s)) {
			return lt, nil
		}
	}
	return "", fmt.Errorf("%w: log type %q, want one of %v", ErrConfig, s, LogTypes)
}

// UnmarshalYAML validates the log type while decoding.
func (l *LogType) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseLogType(value.Value)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// BootstrapNode is a bootstrap node entry of the configuration file.
type BootstrapNode struct {
	PublicKey string `yaml:"pk"`
	Address   string `yaml:"addr"`
}

// RateLimit is the per-source packet limit section.
type RateLimit struct {
	PacketsPerSecond float64 `yaml:"packets-per-second"`
	Burst            int     `yaml:"burst"`
}

// File mirrors the YAML configuration file.
type File struct {
	UDPAddress     string          `yaml:"udp-address"`
	TCPAddresses   []string        `yaml:"tcp-addresses"`
	KeysFile       string          `yaml:"keys-file"`
	BootstrapNodes []BootstrapNode `yaml:"bootstrap-nodes"`
	Threads        string          `yaml:"threads"`
	LogType        LogType         `yaml:"log-type"`
	MOTD           string          `yaml:"motd"`
	NoLAN          bool            `yaml:"no-lan"`
	RateLimit      *RateLimit      `yaml:"rate-limit"`
	NetRestrict    string          `yaml:"net-restrict"`
	SubnetLimit    int             `yaml:"bucket-subnet-limit"`

	// Unused lists keys present in the file that mean nothing to the node.
	Unused []string `yaml:"-"`
}

// knownKeys are the accepted keys per section; "" is the top level.
var knownKeys = map[string]map[string]bool{
	"": {
		"udp-address": true, "tcp-addresses": true, "keys-file": true,
		"bootstrap-nodes": true, "threads": true, "log-type": true,
		"motd": true, "no-lan": true, "rate-limit": true, "net-restrict": true,
		"bucket-subnet-limit": true,
	},
	"bootstrap-nodes": {"pk": true, "addr": true},
	"rate-limit":      {"packets-per-second": true, "burst": true},
}

// Default returns the values used for keys missing from a file.
func Default() *File {
	return &File{
		Threads: "1",
		LogType: LogStderr,
		MOTD:    node.DefaultMOTD,
	}
}

// Load reads and parses the configuration file at path.
//
//export ToxConfigLoad
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a YAML configuration and records unknown keys in Unused.
func Parse(data []byte) (*File, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	f := Default()
	if len(doc.Content) == 0 {
		return f, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping", ErrConfig)
	}
	if err := root.Decode(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	f.Unused = unusedKeys(root)
	return f, nil
}

// unusedKeys returns the dotted paths of unknown keys in the top level
// mapping and in its known sections.
func unusedKeys(root *yaml.Node) []string {
	var unused []string
	collectUnknown(root, "", &unused)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i].Value, root.Content[i+1]
		if _, section := knownKeys[key]; key == "" || !section {
			continue
		}
		switch value.Kind {
		case yaml.MappingNode:
			collectUnknown(value, key, &unused)
		case yaml.SequenceNode:
			for _, item := range value.Content {
				if item.Kind == yaml.MappingNode {
					collectUnknown(item, key, &unused)
				}
			}
		}
	}

	sort.Strings(unused)
	out := unused[:0]
	for i, key := range unused {
		if i == 0 || key != unused[i-1] {
			out = append(out, key)
		}
	}
	return out
}

func collectUnknown(mapping *yaml.Node, section string, unused *[]string) {
	known := knownKeys[section]
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		if known[key] {
			continue
		}
		if section != "" {
			key = section + "." + key
		}
		*unused = append(*unused, key)
	}
}

// WarnUnused logs every unknown key of f.
func (f *File) WarnUnused() {
	for _, key := range f.Unused {
		logrus.WithFields(logrus.Fields{
			"function": "WarnUnused",
			"key":      key,
		}).Warn("Unused configuration key")
	}
	if f.Threads != "" && f.Threads != "1" {
		logrus.WithFields(logrus.Fields{
			"function": "WarnUnused",
			"threads":  f.Threads,
		}).Warn("The node runs a single event loop, threads setting ignored")
	}
}

// NodeConfig converts f into a node configuration. A secret key found in
// the environment takes precedence over the keys file.
//
//export ToxConfigNodeConfig
func (f *File) NodeConfig(getenv func(string) string) (node.Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := node.DefaultConfig()
	cfg.SecretKey = strings.TrimSpace(getenv(SecretKeyEnv))
	cfg.KeysFile = f.KeysFile
	cfg.UDPAddress = f.UDPAddress
	cfg.TCPAddresses = append([]string(nil), f.TCPAddresses...)
	cfg.LANDiscovery = !f.NoLAN
	cfg.MOTD = f.MOTD
	cfg.NetRestrict = f.NetRestrict
	cfg.BucketSubnetLimit = f.SubnetLimit
	for _, bn := range f.BootstrapNodes {
		cfg.BootstrapNodes = append(cfg.BootstrapNodes, node.BootstrapNode{
			PublicKey: bn.PublicKey,
			Address:   bn.Address,
		})
	}
	if f.RateLimit != nil {
		cfg.RateLimit.PacketsPerSecond = f.RateLimit.PacketsPerSecond
		if f.RateLimit.Burst > 0 {
			cfg.RateLimit.Burst = f.RateLimit.Burst
		}
	}

	if cfg.SecretKey == "" && cfg.KeysFile == "" {
		return node.Config{}, fmt.Errorf("%w: keys-file is required unless %s is set", ErrConfig, SecretKeyEnv)
	}
	if err := cfg.Validate(); err != nil {
		return node.Config{}, err
	}
	return cfg, nil
}

// LoadEnv loads KEY=value files into the environment without overriding
// variables that are already set. Missing files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, name := range files {
		if err := godotenv.Load(name); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}
