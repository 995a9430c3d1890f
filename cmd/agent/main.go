// Command agent is the device operator CLI.
//
//	agent validate <config.yaml>
package main

import (
	"fmt"
	"os"

	"vss-edge/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		if len(os.Args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: agent validate <config.yaml>")
			os.Exit(1)
		}
		os.Exit(validate(os.Args[2]))
	default:
		fmt.Fprintf(os.Stderr, "agent: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func validate(path string) int {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 1
	}
	cameras := 0
	for _, nvr := range cfg.NVRList {
		cameras += len(nvr.Cameras)
	}
	fmt.Printf("ok: device %s (tenant %s), %d NVRs, %d cameras\n",
		cfg.Device.DeviceID, cfg.Device.TenantID, len(cfg.NVRList), cameras)
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: agent <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  validate <config.yaml>   check a device configuration file")
}
