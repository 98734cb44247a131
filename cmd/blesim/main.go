package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/user/blepair/central"
	"github.com/user/blepair/config"
	"github.com/user/blepair/logger"
	"github.com/user/blepair/peripheral"
	"github.com/user/blepair/radio"
	"github.com/user/blepair/radio/sim"
)

var (
	centralAddr    = radio.Address{MAC: [6]byte{0xC0, 0xDE, 0x00, 0x00, 0x00, 0x01}}
	peripheralAddr = radio.Address{MAC: [6]byte{0xC0, 0xDE, 0x00, 0x00, 0x00, 0x02}}
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: $BLEPAIR_DIR/config.yaml)")
	duration := flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	dropEvery := flag.Duration("drop-every", 0, "drop the link periodically to exercise reconnection")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	logger.SetLevel(cfg.Level())

	popts, err := cfg.PeripheralOptions()
	if err != nil {
		log.Fatalf("peripheral options: %v", err)
	}
	copts, err := cfg.CentralOptions()
	if err != nil {
		log.Fatalf("central options: %v", err)
	}

	tracer, err := cfg.PacketTracer()
	if err != nil {
		log.Fatalf("packet trace: %v", err)
	}

	air := sim.NewAir(cfg.Radio())
	air.SetTracer(tracer)
	p, err := peripheral.New(air.NewDevice(peripheralAddr), popts)
	if err != nil {
		log.Fatalf("peripheral: %v", err)
	}
	sink := central.NewSink(func(values []uint32) {
		fmt.Printf("received %v\n", values)
	})
	c, err := central.New(air.NewDevice(centralAddr), copts, sink)
	if err != nil {
		log.Fatalf("central: %v", err)
	}

	if err := p.Start(); err != nil {
		log.Fatalf("peripheral start: %v", err)
	}
	if err := c.Start(); err != nil {
		log.Fatalf("central start: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	go air.Serve(ctx, cfg.Sim.AdvInterval)
	go p.Run(ctx)
	if *dropEvery > 0 {
		go dropLinks(ctx, air, c, *dropEvery)
	}

	log.Printf("Simulating %s <-> %s. Ctrl+C to quit.", centralAddr, peripheralAddr)
	<-ctx.Done()

	fmt.Printf("notifications sent: %d, received: %d\n", p.Source().Counter(), sink.Received())
	if tracer != nil {
		fmt.Printf("ATT trace: %s\n", tracer.Path())
	}
}

func dropLinks(ctx context.Context, air *sim.Air, c *central.Central, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s := c.Session(); s != nil && s.Conn() != nil {
				if err := air.DropLink(s.Conn()); err == nil {
					log.Printf("Dropped link to %s", s.Peer())
				}
			}
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadOrDefault(config.DefaultConfigPath())
	}
	return config.Load(path)
}
