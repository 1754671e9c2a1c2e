// Package config defines the participant configuration surface: YAML
// loading, validation, and the security and mobility sub-configs.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/hdds-team/hdds-go/pkg/congestion"
)

// Domain and participant id bounds from the port mapping.
const (
	MaxDomainID      = 232
	MaxParticipantID = 119
	// AutoParticipantID asks the participant to probe for a free id.
	AutoParticipantID = -1
)

// Config is the full participant configuration. Everything except
// DomainID is optional.
type Config struct {
	DomainID      uint32 `yaml:"domain_id"`
	ParticipantID int    `yaml:"participant_id"`

	NetworkInterface string `yaml:"network_interface,omitempty"`
	MulticastAddress string `yaml:"multicast_address,omitempty"`
	DisableMulticast bool   `yaml:"disable_multicast,omitempty"`
	DisableSHM       bool   `yaml:"disable_shm,omitempty"`

	DiscoveryPeers []string `yaml:"discovery_peers,omitempty"`
	TTLScope       string   `yaml:"ttl_scope,omitempty"`

	StunServer string `yaml:"stun_server,omitempty"`

	LeaseDuration    time.Duration `yaml:"lease_duration,omitempty"`
	AnnouncePeriod   time.Duration `yaml:"announce_period,omitempty"`
	EnableTypeLookup bool          `yaml:"enable_type_lookup,omitempty"`

	Mobility   *MobilityConfig    `yaml:"mobility,omitempty"`
	Security   *SecurityConfig    `yaml:"security,omitempty"`
	Congestion *congestion.Config `yaml:"congestion,omitempty"`
}

// Default returns a runnable configuration for domain 0.
func Default() Config {
	return Config{
		DomainID:       0,
		ParticipantID:  AutoParticipantID,
		LeaseDuration:  20 * time.Second,
		AnnouncePeriod: 3 * time.Second,
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects out-of-range ids and invalid sub-configs.
func (c *Config) Validate() error {
	if c.DomainID > MaxDomainID {
		return fmt.Errorf("domain_id %d out of range 0..%d", c.DomainID, MaxDomainID)
	}
	if c.ParticipantID != AutoParticipantID && (c.ParticipantID < 0 || c.ParticipantID > MaxParticipantID) {
		return fmt.Errorf("participant_id %d out of range 0..%d", c.ParticipantID, MaxParticipantID)
	}
	if c.LeaseDuration < 0 || c.AnnouncePeriod < 0 {
		return fmt.Errorf("discovery durations must be non-negative")
	}
	if c.LeaseDuration > 0 && c.AnnouncePeriod > 0 && c.AnnouncePeriod >= c.LeaseDuration {
		return fmt.Errorf("announce_period (%s) must be shorter than lease_duration (%s)", c.AnnouncePeriod, c.LeaseDuration)
	}
	if c.Mobility != nil {
		if err := c.Mobility.Validate(); err != nil {
			return fmt.Errorf("mobility: %w", err)
		}
	}
	if c.Security != nil {
		if err := c.Security.Validate(); err != nil {
			return fmt.Errorf("security: %w", err)
		}
	}
	if c.Congestion != nil {
		if err := c.Congestion.Validate(); err != nil {
			return fmt.Errorf("congestion: %w", err)
		}
	}
	return nil
}

// MobilityMode selects how locator changes are handled.
type MobilityMode string

// Mobility modes.
const (
	MobilityReactive  MobilityMode = "reactive"
	MobilityProactive MobilityMode = "proactive"
)

// DetectorType selects the interface-change detector.
type DetectorType string

// Detector types.
const (
	DetectorPoll    DetectorType = "poll"
	DetectorNetlink DetectorType = "netlink"
)

// MobilityConfig tunes locator-change handling for roaming hosts.
type MobilityConfig struct {
	Mode             MobilityMode  `yaml:"mode,omitempty"`
	Detector         DetectorType  `yaml:"detector,omitempty"`
	PollInterval     time.Duration `yaml:"poll_interval,omitempty"`
	HoldDown         time.Duration `yaml:"hold_down,omitempty"`
	ReannounceBurst  int           `yaml:"reannounce_burst,omitempty"`
	BurstSpacing     time.Duration `yaml:"burst_spacing,omitempty"`
	MinBurstInterval time.Duration `yaml:"min_burst_interval,omitempty"`
}

// DefaultMobility returns the roaming defaults.
func DefaultMobility() MobilityConfig {
	return MobilityConfig{
		Mode:             MobilityReactive,
		Detector:         DetectorPoll,
		PollInterval:     2 * time.Second,
		HoldDown:         30 * time.Second,
		ReannounceBurst:  3,
		BurstSpacing:     100 * time.Millisecond,
		MinBurstInterval: time.Second,
	}
}

// Validate rejects inconsistent mobility settings.
func (m *MobilityConfig) Validate() error {
	switch m.Mode {
	case "", MobilityReactive, MobilityProactive:
	default:
		return fmt.Errorf("unknown mode %q", m.Mode)
	}
	switch m.Detector {
	case "", DetectorPoll, DetectorNetlink:
	default:
		return fmt.Errorf("unknown detector %q", m.Detector)
	}
	if m.Detector == DetectorPoll && m.PollInterval < 0 {
		return fmt.Errorf("poll_interval must be non-negative")
	}
	if m.ReannounceBurst < 0 {
		return fmt.Errorf("reannounce_burst must be non-negative")
	}
	return nil
}
