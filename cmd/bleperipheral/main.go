//go:build linux || darwin || windows

package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"tinygo.org/x/bluetooth"

	"github.com/user/blepair/config"
	"github.com/user/blepair/logger"
	"github.com/user/blepair/peripheral"
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

	opts, err := cfg.PeripheralOptions()
	if err != nil {
		log.Fatalf("peripheral options: %v", err)
	}
	stack, err := hosted.New(bluetooth.DefaultAdapter, hosted.Config{})
	if err != nil {
		log.Fatalf("Bluetooth init failed: %v", err)
	}

	p, err := peripheral.New(stack, opts)
	if err != nil {
		log.Fatalf("peripheral: %v", err)
	}
	if err := p.Start(); err != nil {
		log.Fatalf("peripheral start: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go p.Run(ctx)
	log.Println("Advertising. Ctrl+C to quit.")
	_ = stack.Run(ctx)
	log.Printf("Sent %d notifications", p.Source().Counter())
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadOrDefault(config.DefaultConfigPath())
	}
	return config.Load(path)
}
