package truevfs

import (
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const defaultConfig string = `
debugMode: false
prettyLogs: false
waitTimeoutMs: 100
maxMountedFileSystems: 5
ioPool:
  mode: memory
  dir: ""
  cacheSizeMb: 256
metrics:
  enabled: false
  port: 2112
keys:
  passphrase: ""
`

// ConfigManager layers the kernel configuration: built-in defaults, then
// an optional config file named by TRUEVFS_CONFIG (yaml or json by
// extension).
type ConfigManager[T any] struct {
	k *koanf.Koanf
}

func NewConfigManager[T any]() (*ConfigManager[T], error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultConfig)), yaml.Parser()); err != nil {
		return nil, err
	}

	if path := os.Getenv("TRUEVFS_CONFIG"); path != "" {
		var parser koanf.Parser = yaml.Parser()
		if filepath.Ext(path) == ".json" {
			parser = json.Parser()
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}

	return &ConfigManager[T]{k: k}, nil
}

// NewConfigManagerFromBytes loads a yaml document over the defaults,
// bypassing file and environment. Tests use this for isolation.
func NewConfigManagerFromBytes[T any](data []byte) (*ConfigManager[T], error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaultConfig)), yaml.Parser()); err != nil {
		return nil, err
	}
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, err
	}
	return &ConfigManager[T]{k: k}, nil
}

// GetConfig unmarshals the layered configuration.
func (cm *ConfigManager[T]) GetConfig() T {
	var config T
	if err := cm.k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "key"}); err != nil {
		GetLogger().Errorf("unable to unmarshal config: %v", err)
	}
	return config
}
