package config

import (
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultWindow   = 10 // receive window advertised to peers
	DefaultMSS      = 1400
	DefaultTTL      = 64
	DefaultPoolSize = 2000

	MaxFrameLength  = 1500        // reply scratch buffer, prefix included
	SegmentOverhead = 4 + 20 + 20 // packet-information prefix, IPv4 and TCP headers without options
	MaxMSS          = MaxFrameLength - SegmentOverhead
)

// Config holds everything the engine and its bootstrap need.
type Config struct {
	InterfaceName string   `yaml:"interface_name"`
	InterfaceAddr string   `yaml:"interface_addr"` // CIDR assigned to the device, empty leaves it alone
	ListenAddr    string   `yaml:"listen_addr"`    // empty accepts any destination address
	ListenPorts   []uint16 `yaml:"listen_ports"`   // empty accepts any destination port

	Window uint16 `yaml:"window"`
	MSS    int    `yaml:"mss"`
	TTL    uint8  `yaml:"ttl"`

	TickInterval time.Duration `yaml:"tick_interval"`
	RTOInitial   time.Duration `yaml:"rto_initial"`
	RTOMax       time.Duration `yaml:"rto_max"`
	MaxRetries   int           `yaml:"max_retries"`
	MSL          time.Duration `yaml:"msl"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	PayloadPoolSize       int  `yaml:"payload_pool_size"`
	PoolDebug             bool `yaml:"pool_debug"`
	ChallengeACKPerSecond int  `yaml:"challenge_ack_per_second"`
	PacketLossSimulation  bool `yaml:"packet_loss_simulation"` // drop about one outbound segment in ten

	CaptureFile string `yaml:"capture_file"`
	LogLevel    string `yaml:"log_level"`
}

var AppConfig *Config

// Default returns a configuration usable without a file.
func Default() *Config {
	return &Config{
		InterfaceName:         "tun0",
		Window:                DefaultWindow,
		MSS:                   DefaultMSS,
		TTL:                   DefaultTTL,
		TickInterval:          100 * time.Millisecond,
		RTOInitial:            time.Second,
		RTOMax:                30 * time.Second,
		MaxRetries:            8,
		MSL:                   30 * time.Second,
		IdleTimeout:           10 * time.Minute,
		PayloadPoolSize:       DefaultPoolSize,
		ChallengeACKPerSecond: 100,
		LogLevel:              "info",
	}
}

// ReadConfig loads a YAML file on top of Default and validates the result.
func ReadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", filename)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.InterfaceName == "" {
		return errors.New("interface_name must be set")
	}
	if c.InterfaceAddr != "" {
		if _, err := netip.ParsePrefix(c.InterfaceAddr); err != nil {
			return errors.Wrap(err, "invalid interface_addr")
		}
	}
	if c.ListenAddr != "" {
		addr, err := netip.ParseAddr(c.ListenAddr)
		if err != nil {
			return errors.Wrap(err, "invalid listen_addr")
		}
		if !addr.Is4() {
			return errors.Errorf("listen_addr %s is not an IPv4 address", addr)
		}
	}
	for _, p := range c.ListenPorts {
		if p == 0 {
			return errors.New("listen_ports may not contain 0")
		}
	}
	if c.Window == 0 {
		return errors.New("window must be positive")
	}
	if c.MSS <= 0 || c.MSS > MaxMSS {
		return errors.Errorf("mss %d out of range (1..%d)", c.MSS, MaxMSS)
	}
	if c.TTL == 0 {
		return errors.New("ttl must be positive")
	}
	if c.TickInterval <= 0 {
		return errors.New("tick_interval must be positive")
	}
	if c.RTOInitial <= 0 || c.RTOMax < c.RTOInitial {
		return errors.Errorf("rto_initial (%s) must be positive and not above rto_max (%s)", c.RTOInitial, c.RTOMax)
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries may not be negative")
	}
	if c.MSL <= 0 {
		return errors.New("msl must be positive")
	}
	if c.IdleTimeout < 0 {
		return errors.New("idle_timeout may not be negative")
	}
	if c.PayloadPoolSize <= 0 {
		return errors.New("payload_pool_size must be positive")
	}
	if c.ChallengeACKPerSecond <= 0 {
		return errors.New("challenge_ack_per_second must be positive")
	}
	return nil
}
