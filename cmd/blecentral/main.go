//go:build linux || darwin || windows

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"tinygo.org/x/bluetooth"

	"github.com/user/blepair/central"
	"github.com/user/blepair/config"
	"github.com/user/blepair/logger"
	"github.com/user/blepair/radio/hosted"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: $BLEPAIR_DIR/config.yaml)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	logger.SetLevel(cfg.Level())

	opts, err := cfg.CentralOptions()
	if err != nil {
		log.Fatalf("central options: %v", err)
	}
	stack, err := hosted.New(bluetooth.DefaultAdapter, hosted.Config{ProbeServices: [][]byte{opts.Service}})
	if err != nil {
		log.Fatalf("Bluetooth init failed: %v", err)
	}

	sink := central.NewSink(func(values []uint32) {
		fmt.Printf("received %v\n", values)
	})
	c, err := central.New(stack, opts, sink)
	if err != nil {
		log.Fatalf("central: %v", err)
	}
	if err := c.Start(); err != nil {
		log.Fatalf("central start: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println("Scanning for the vendor service. Ctrl+C to quit.")
	_ = stack.Run(ctx)
	_ = c.Disconnect()
	log.Printf("Received %d notifications", sink.Received())
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadOrDefault(config.DefaultConfigPath())
	}
	return config.Load(path)
}
