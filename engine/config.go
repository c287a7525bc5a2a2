package engine

import (
	"time"

	"leviathan/catalog"
)

// TierDurations maps each tier to a lifetime.
type TierDurations struct {
	Free       time.Duration `mapstructure:"free"`
	Pro        time.Duration `mapstructure:"pro"`
	Enterprise time.Duration `mapstructure:"enterprise"`
}

// For returns the lifetime for tier. Unknown tiers get the free lifetime.
func (d TierDurations) For(tier catalog.Tier) time.Duration {
	switch catalog.NormalizeTier(string(tier)) {
	case catalog.TierEnterprise:
		return d.Enterprise
	case catalog.TierPro:
		return d.Pro
	default:
		return d.Free
	}
}

type Config struct {
	SoloExpiry      TierDurations `mapstructure:"solo_expiry"`
	RoomExpiry      TierDurations `mapstructure:"room_expiry"`
	DefaultMaxUsers int           `mapstructure:"default_max_users"`

	SoloNetwork string   `mapstructure:"solo_network"`
	RoomNetwork string   `mapstructure:"room_network"`
	RoomPorts   []string `mapstructure:"room_ports"`

	CleanupGrace      time.Duration `mapstructure:"cleanup_grace"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	SoloSweepInterval time.Duration `mapstructure:"solo_sweep_interval"`
	SoloSweepWindow   time.Duration `mapstructure:"solo_sweep_window"`
	ReapInterval      time.Duration `mapstructure:"reap_interval"`
	RegistryInterval  time.Duration `mapstructure:"registry_interval"`
	RegistryIdle      time.Duration `mapstructure:"registry_idle"`
	SweepLockTTL      time.Duration `mapstructure:"sweep_lock_ttl"`
	DestroyTimeout    time.Duration `mapstructure:"destroy_timeout"`
}

func DefaultConfig() Config {
	return Config{
		SoloExpiry:        TierDurations{Free: 30 * time.Minute, Pro: 60 * time.Minute, Enterprise: 120 * time.Minute},
		RoomExpiry:        TierDurations{Free: 60 * time.Minute, Pro: 240 * time.Minute, Enterprise: 480 * time.Minute},
		DefaultMaxUsers:   10,
		SoloNetwork:       "none",
		RoomNetwork:       "bridge",
		CleanupGrace:      2 * time.Second,
		SweepInterval:     5 * time.Minute,
		SoloSweepInterval: 2 * time.Minute,
		SoloSweepWindow:   5 * time.Minute,
		ReapInterval:      time.Second,
		RegistryInterval:  30 * time.Minute,
		RegistryIdle:      time.Hour,
		SweepLockTTL:      2 * time.Minute,
		DestroyTimeout:    30 * time.Second,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&c.SoloExpiry.Free, d.SoloExpiry.Free)
	fill(&c.SoloExpiry.Pro, d.SoloExpiry.Pro)
	fill(&c.SoloExpiry.Enterprise, d.SoloExpiry.Enterprise)
	fill(&c.RoomExpiry.Free, d.RoomExpiry.Free)
	fill(&c.RoomExpiry.Pro, d.RoomExpiry.Pro)
	fill(&c.RoomExpiry.Enterprise, d.RoomExpiry.Enterprise)
	fill(&c.CleanupGrace, d.CleanupGrace)
	fill(&c.SweepInterval, d.SweepInterval)
	fill(&c.SoloSweepInterval, d.SoloSweepInterval)
	fill(&c.SoloSweepWindow, d.SoloSweepWindow)
	fill(&c.ReapInterval, d.ReapInterval)
	fill(&c.RegistryInterval, d.RegistryInterval)
	fill(&c.RegistryIdle, d.RegistryIdle)
	fill(&c.SweepLockTTL, d.SweepLockTTL)
	fill(&c.DestroyTimeout, d.DestroyTimeout)
	if c.DefaultMaxUsers <= 0 {
		c.DefaultMaxUsers = d.DefaultMaxUsers
	}
	if c.SoloNetwork == "" {
		c.SoloNetwork = d.SoloNetwork
	}
	if c.RoomNetwork == "" {
		c.RoomNetwork = d.RoomNetwork
	}
	return c
}
