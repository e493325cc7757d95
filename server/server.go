package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/tun-tcp/config"
	"github.com/Clouded-Sabre/tun-tcp/lib"
)

// printer logs whatever clients send.
type printer struct{}

func (printer) HandleData(c *lib.Connection, data []byte) {
	log.Printf("Got %d bytes from %s: %q", len(data), c.Quad().Src, data)
}

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file")
	ifName := flag.String("interface", "", "TUN interface name (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig(*configFile)
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}
	if *ifName != "" {
		config.AppConfig.InterfaceName = *ifName
	}
	if *logLevel != "" {
		config.AppConfig.LogLevel = *logLevel
	}

	if err := run(config.AppConfig, printer{}); err != nil {
		log.Fatalln(err)
	}
}

func run(cfg *config.Config, handler lib.DataHandler) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	dev, err := lib.OpenTUN(cfg.InterfaceName)
	if err != nil {
		return err
	}
	defer dev.Close()
	if err := lib.ConfigureInterface(dev.Name(), cfg.InterfaceAddr, lib.MaxFrameLength); err != nil {
		return err
	}

	opts := []lib.EngineOption{lib.WithHandler(handler)}
	if cfg.CaptureFile != "" {
		capture, err := lib.OpenCapture(cfg.CaptureFile)
		if err != nil {
			return err
		}
		defer capture.Close()
		opts = append(opts, lib.WithCapture(capture))
	}

	engine, err := lib.NewEngine(cfg, dev, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for interrupt signal (Ctrl+C)
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Println("Received shutdown signal. Shutting down...")
		cancel()
	}()

	log.Printf("TCP engine running on %s", dev.Name())
	return engine.Run(ctx)
}
