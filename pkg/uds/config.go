package uds

import "time"

// Config is the UdsConfig configuration surface (§6).
type Config struct {
	RequestID          uint32
	ResponseID         uint32
	TimeoutMs          uint32 // p2_client, default 50
	P2StarMs           uint32 // default 5000
	ExtendedAddressing bool
	SourceAddr         uint8
	TargetAddr         uint8
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{
		TimeoutMs: 50,
		P2StarMs:  5000,
	}
}

func (c Config) timeout() time.Duration {
	if c.TimeoutMs == 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c Config) p2Star() time.Duration {
	if c.P2StarMs == 0 {
		return 5 * time.Second
	}
	return time.Duration(c.P2StarMs) * time.Millisecond
}
