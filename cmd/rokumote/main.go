// rokumote is a command line client for a BLE remote-control target: it
// scans for devices, connects, and sends remote key presses, with automatic
// reconnection handled by the core controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ndavat/rokuMote-sub000/bluez"
	"github.com/ndavat/rokuMote-sub000/config"
	"github.com/ndavat/rokuMote-sub000/logger"
	"github.com/ndavat/rokuMote-sub000/remote"
)

func defaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "rokumote", "config.yaml")
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: rokumote [-config path] <command> [args]

commands:
  scan                 discover nearby devices
  connect [device-id]  connect (preferred device from config when omitted)
  send <key> [key...]  connect and send remote key presses
  watch [device-id]    connect and print events until interrupted
`)
	os.Exit(2)
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		// missing config falls back to defaults; anything else is fatal
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "rokumote: %v\n", err)
			os.Exit(1)
		}
		cfg = config.Default()
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	opts, err := cfg.Options()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rokumote: %v\n", err)
		os.Exit(1)
	}

	transport, err := bluez.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rokumote: %v\n", err)
		os.Exit(1)
	}
	defer transport.Close()

	ctrl := remote.NewController(transport, opts, nil)
	defer ctrl.Destroy()

	var cmdErr error
	switch args[0] {
	case "scan":
		cmdErr = runScan(ctrl)
	case "connect":
		cmdErr = runConnect(ctrl, opts, args[1:])
	case "send":
		cmdErr = runSend(ctrl, opts, args[1:])
	case "watch":
		cmdErr = runWatch(ctrl, opts, args[1:])
	default:
		usage()
	}
	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "rokumote: %v\n", cmdErr)
		os.Exit(1)
	}
}

func resolveDevice(opts remote.Options, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if opts.PreferredDeviceID != "" {
		return opts.PreferredDeviceID, nil
	}
	return "", fmt.Errorf("no device specified and no preferred_id in config")
}

func runScan(ctrl *remote.Controller) error {
	devices, err := ctrl.Scan(context.Background())
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no devices found")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%s  rssi=%-4d  %s\n", d.ID, d.RSSI, d.Name)
	}
	return nil
}

func runConnect(ctrl *remote.Controller, opts remote.Options, args []string) error {
	deviceID, err := resolveDevice(opts, args)
	if err != nil {
		return err
	}
	if err := ctrl.Connect(context.Background(), deviceID); err != nil {
		return err
	}
	fmt.Printf("connected to %s\n", deviceID)
	return nil
}

func runSend(ctrl *remote.Controller, opts remote.Options, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("send requires at least one key")
	}
	deviceID, err := resolveDevice(opts, nil)
	if err != nil {
		return err
	}
	if err := ctrl.Connect(context.Background(), deviceID); err != nil {
		return err
	}

	cmds := make([]remote.Command, len(args))
	for i, key := range args {
		cmds[i] = remote.NewKeyPress(key)
	}
	results := ctrl.SendBatch(cmds)
	for _, res := range results {
		if res.Success {
			fmt.Printf("%s  ok  (%v)\n", res.Command.Action, res.Latency)
		} else {
			fmt.Printf("%s  failed: %v\n", res.Command.Action, res.Err)
		}
	}
	if len(results) < len(cmds) {
		return fmt.Errorf("connection dropped after %d of %d commands", len(results), len(cmds))
	}
	return nil
}

func runWatch(ctrl *remote.Controller, opts remote.Options, args []string) error {
	for _, t := range []remote.EventType{
		remote.EventDeviceDiscovered,
		remote.EventDeviceConnected,
		remote.EventDeviceDisconnected,
		remote.EventConnectionStateChanged,
		remote.EventCommandSent,
		remote.EventErrorOccurred,
		remote.EventRecoveryAttempt,
		remote.EventRecoveryResult,
	} {
		ctrl.Bus().Subscribe(t, func(ev remote.Event) {
			fmt.Println(logger.ToJSON(ev))
		})
	}

	deviceID, err := resolveDevice(opts, args)
	if err != nil {
		return err
	}
	if err := ctrl.Connect(context.Background(), deviceID); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return nil
}
