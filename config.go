package meshsub

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a file based node configuration. Any fields not set in the file
// keep their defaults.
type Config struct {
	BindAddr string   `yaml:"bind_addr"`
	Seeds    []string `yaml:"seeds"`

	D   int `yaml:"d"`
	Dlo int `yaml:"dlo"`
	Dhi int `yaml:"dhi"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SeenTTL           time.Duration `yaml:"seen_ttl"`
	MessageStoreSize  int           `yaml:"message_store_size"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	MaxIHaveLength    int           `yaml:"max_ihave_length"`
	IWantRate         float64       `yaml:"iwant_rate"`
	IWantBurst        int           `yaml:"iwant_burst"`
	SendQueueSize     int           `yaml:"send_queue_size"`
	NotifyBufferSize  int           `yaml:"notify_buffer_size"`
}

func DefaultConfig() *Config {
	return &Config{
		BindAddr:          DefaultBindAddr,
		D:                 DefaultD,
		Dlo:               DefaultDlo,
		Dhi:               DefaultDhi,
		HeartbeatInterval: DefaultHeartbeatInterval,
		SeenTTL:           DefaultSeenTTL,
		MessageStoreSize:  DefaultMessageStoreSize,
		MaxMessageSize:    DefaultMaxMessageSize,
		MaxIHaveLength:    DefaultMaxIHaveLength,
		IWantRate:         DefaultIWantRate,
		IWantBurst:        DefaultIWantBurst,
		SendQueueSize:     DefaultSendQueueSize,
		NotifyBufferSize:  DefaultNotifyBufferSize,
	}
}

// LoadConfig reads a YAML configuration from the file at path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("meshsub: read config: %w", err)
	}
	return ParseConfig(b)
}

// ParseConfig parses a YAML configuration. Durations use Go duration syntax,
// such as "500ms".
func ParseConfig(b []byte) (*Config, error) {
	conf := DefaultConfig()
	if err := yaml.Unmarshal(b, conf); err != nil {
		return nil, fmt.Errorf("meshsub: parse config: %w", err)
	}
	return conf, nil
}

// Options returns the options described by the configuration. These are
// validated by Create.
func (c *Config) Options() []Option {
	return []Option{
		WithBindAddr(c.BindAddr),
		WithMeshDegree(c.D, c.Dlo, c.Dhi),
		WithHeartbeatInterval(c.HeartbeatInterval),
		WithSeenTTL(c.SeenTTL),
		WithMessageStoreSize(c.MessageStoreSize),
		WithMaxMessageSize(c.MaxMessageSize),
		WithMaxIHaveLength(c.MaxIHaveLength),
		WithIWantRate(c.IWantRate, c.IWantBurst),
		WithSendQueueSize(c.SendQueueSize),
		WithNotifyBufferSize(c.NotifyBufferSize),
	}
}
