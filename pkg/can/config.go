package can

import "fmt"

// validBaudRates is the fixed set of baud rates the framing layer accepts.
var validBaudRates = map[uint32]bool{
	10_000: true, 20_000: true, 50_000: true, 100_000: true,
	125_000: true, 250_000: true, 500_000: true, 800_000: true,
	1_000_000: true,
}

// Config is the CanConfig configuration surface (§6).
type Config struct {
	BaudRate       uint32
	ListenOnly     bool
	Loopback       bool
	ExtendedFrames bool
	TxTimeoutMs    uint32
	RxTimeoutMs    uint32
}

func (c Config) validate() error {
	if !validBaudRates[c.BaudRate] {
		return fmt.Errorf("can: unsupported baud rate %d", c.BaudRate)
	}
	return nil
}
