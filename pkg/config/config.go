// Package config loads the four component configuration structs
// (CanConfig, UdsConfig, ObdConfig, FlashConfig) from an INI file,
// generalizing the teacher's NodeConfigurator pattern from "read CANopen
// object-dictionary entries over SDO" to "read an INI section into a
// config struct". No component requires it: every package also accepts
// a literal config struct built in code.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"

	"github.com/samsamfire/vdiag/pkg/can"
	"github.com/samsamfire/vdiag/pkg/flash"
	"github.com/samsamfire/vdiag/pkg/obd"
	"github.com/samsamfire/vdiag/pkg/uds"
)

// LoadCanConfig reads the [can] section of path, falling back to §6
// defaults for any key that is absent.
func LoadCanConfig(path string) (can.Config, error) {
	cfg := can.Config{BaudRate: 500_000}
	file, err := ini.Load(path)
	if err != nil {
		return can.Config{}, fmt.Errorf("config: %w", err)
	}
	section := file.Section("can")
	cfg.BaudRate = uint32(section.Key("baud_rate").MustUint(uint(cfg.BaudRate)))
	cfg.ExtendedFrames = section.Key("extended_frames").MustBool(cfg.ExtendedFrames)
	cfg.ListenOnly = section.Key("listen_only").MustBool(cfg.ListenOnly)
	cfg.Loopback = section.Key("loopback").MustBool(cfg.Loopback)
	cfg.TxTimeoutMs = uint32(section.Key("tx_timeout_ms").MustUint(uint(cfg.TxTimeoutMs)))
	cfg.RxTimeoutMs = uint32(section.Key("rx_timeout_ms").MustUint(uint(cfg.RxTimeoutMs)))
	return cfg, nil
}

// LoadUdsConfig reads the [uds] section of path.
func LoadUdsConfig(path string) (uds.Config, error) {
	cfg := uds.DefaultConfig()
	file, err := ini.Load(path)
	if err != nil {
		return uds.Config{}, fmt.Errorf("config: %w", err)
	}
	section := file.Section("uds")
	cfg.RequestID = uint32(section.Key("request_id").MustUint(uint(cfg.RequestID)))
	cfg.ResponseID = uint32(section.Key("response_id").MustUint(uint(cfg.ResponseID)))
	cfg.TimeoutMs = uint32(section.Key("timeout_ms").MustUint(uint(cfg.TimeoutMs)))
	cfg.P2StarMs = uint32(section.Key("p2_star_ms").MustUint(uint(cfg.P2StarMs)))
	cfg.ExtendedAddressing = section.Key("extended_addressing").MustBool(cfg.ExtendedAddressing)
	cfg.SourceAddr = uint8(section.Key("source_addr").MustUint(uint(cfg.SourceAddr)))
	cfg.TargetAddr = uint8(section.Key("target_addr").MustUint(uint(cfg.TargetAddr)))
	return cfg, nil
}

// LoadObdConfig reads the [obd] section of path.
func LoadObdConfig(path string) (obd.Config, error) {
	cfg := obd.DefaultConfig()
	file, err := ini.Load(path)
	if err != nil {
		return obd.Config{}, fmt.Errorf("config: %w", err)
	}
	section := file.Section("obd")
	cfg.RequestID = uint32(section.Key("request_id").MustUint(uint(cfg.RequestID)))
	cfg.ResponseID = uint32(section.Key("response_id").MustUint(uint(cfg.ResponseID)))
	cfg.TimeoutMs = uint32(section.Key("timeout_ms").MustUint(uint(cfg.TimeoutMs)))
	for _, id := range section.Key("ecu_ids").Ints(",") {
		cfg.ECUIDs = append(cfg.ECUIDs, uint32(id))
	}
	return cfg, nil
}

// LoadFlashConfig reads the [flash] section of path. SeedToKey and
// Regions have no INI representation and are left for the caller to set.
func LoadFlashConfig(path string) (flash.Config, error) {
	cfg := flash.DefaultConfig()
	file, err := ini.Load(path)
	if err != nil {
		return flash.Config{}, fmt.Errorf("config: %w", err)
	}
	section := file.Section("flash")
	cfg.BlockSize = uint32(section.Key("block_size").MustUint(uint(cfg.BlockSize)))
	cfg.TimeoutMs = uint32(section.Key("timeout_ms").MustUint(uint(cfg.TimeoutMs)))
	cfg.VerifyAfterWrite = section.Key("verify_after_write").MustBool(cfg.VerifyAfterWrite)
	cfg.EraseBeforeWrite = section.Key("erase_before_write").MustBool(cfg.EraseBeforeWrite)
	cfg.SecurityLevel = uint8(section.Key("security_level").MustUint(uint(cfg.SecurityLevel)))
	return cfg, nil
}
