package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/vdiag/pkg/can"
	"github.com/samsamfire/vdiag/pkg/config"
	"github.com/samsamfire/vdiag/pkg/obd"
	"github.com/samsamfire/vdiag/pkg/transport/socketcan"
	"github.com/samsamfire/vdiag/pkg/uds"
)

var DEFAULT_CAN_INTERFACE = "can0"

func main() {
	log.SetLevel(log.InfoLevel)

	canInterface := flag.String("i", DEFAULT_CAN_INTERFACE, "socketcan interface e.g. can0,vcan0")
	iniPath := flag.String("c", "", "diag.ini config path, empty uses built-in defaults")
	mode := flag.String("mode", "rpm", "demo operation: rpm|vin|session")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	bus, err := socketcan.Open(*canInterface)
	if err != nil {
		fmt.Printf("could not connect to interface %v: %v\n", *canInterface, err)
		os.Exit(1)
	}
	defer bus.Close()

	canProto := can.NewProtocol(bus)
	canConfig := can.Config{BaudRate: 500_000}
	if *iniPath != "" {
		if loaded, err := config.LoadCanConfig(*iniPath); err != nil {
			log.Warnf("could not load CAN config from %s, using defaults: %v", *iniPath, err)
		} else {
			canConfig = loaded
		}
	}
	if err := canProto.Initialize(canConfig); err != nil {
		fmt.Printf("failed to initialize CAN protocol: %v\n", err)
		os.Exit(1)
	}
	defer canProto.Shutdown()

	switch *mode {
	case "rpm":
		runRPMDemo(canProto, *iniPath)
	case "vin":
		runVINDemo(canProto, *iniPath)
	case "session":
		runSessionDemo(canProto, *iniPath)
	default:
		fmt.Printf("unknown mode %q\n", *mode)
		os.Exit(1)
	}
}

func loadOrDefaultObdConfig(iniPath string) obd.Config {
	if iniPath == "" {
		return obd.DefaultConfig()
	}
	cfg, err := config.LoadObdConfig(iniPath)
	if err != nil {
		log.Warnf("could not load OBD config: %v", err)
		return obd.DefaultConfig()
	}
	return cfg
}

func loadOrDefaultUdsConfig(iniPath string) uds.Config {
	if iniPath == "" {
		return uds.DefaultConfig()
	}
	cfg, err := config.LoadUdsConfig(iniPath)
	if err != nil {
		log.Warnf("could not load UDS config: %v", err)
		return uds.DefaultConfig()
	}
	return cfg
}

func runRPMDemo(canProto *can.Protocol, iniPath string) {
	client := obd.NewClient(canProto)
	if err := client.Initialize(loadOrDefaultObdConfig(iniPath)); err != nil {
		fmt.Printf("obd initialize failed: %v\n", err)
		os.Exit(1)
	}
	defer client.Shutdown()

	p, err := client.ReadPID(0x0C)
	if err != nil {
		fmt.Printf("read RPM failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("engine RPM: %.1f %s\n", p.Value, p.Unit)
}

func runVINDemo(canProto *can.Protocol, iniPath string) {
	client := obd.NewClient(canProto)
	if err := client.Initialize(loadOrDefaultObdConfig(iniPath)); err != nil {
		fmt.Printf("obd initialize failed: %v\n", err)
		os.Exit(1)
	}
	defer client.Shutdown()

	vin, err := client.ReadVIN()
	if err != nil {
		fmt.Printf("read VIN failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("VIN: %s\n", vin)
}

func runSessionDemo(canProto *can.Protocol, iniPath string) {
	client := uds.NewClient(canProto, nil)
	if err := client.Initialize(loadOrDefaultUdsConfig(iniPath)); err != nil {
		fmt.Printf("uds initialize failed: %v\n", err)
		os.Exit(1)
	}
	defer client.Shutdown()

	if err := client.DiagnosticSessionControl(uds.SessionExtendedDiagnostic); err != nil {
		fmt.Printf("session control failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("session now: %s\n", client.Session())
}
