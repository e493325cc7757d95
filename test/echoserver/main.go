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

// echo writes every received byte back to the sender.
type echo struct{}

func (echo) HandleData(c *lib.Connection, data []byte) {
	log.Printf("Echo server got: %s", string(data))
	n, err := c.Write(data)
	if err != nil {
		log.Println("Write error:", err)
		return
	}
	if n < len(data) {
		log.Printf("Peer window full, dropped %d of %d bytes", len(data)-n, len(data))
	}
}

func main() {
	ifName := flag.String("interface", "tun0", "TUN interface name")
	addr := flag.String("addr", "192.168.0.1/24", "Address assigned to the interface")
	port := flag.Int("port", 8901, "Service port")
	flag.Parse()

	cfg := config.Default()
	cfg.InterfaceName = *ifName
	cfg.InterfaceAddr = *addr
	cfg.ListenPorts = []uint16{uint16(*port)}
	// room for a full segment to be echoed back in one go
	cfg.Window = uint16(cfg.MSS)

	dev, err := lib.OpenTUN(cfg.InterfaceName)
	if err != nil {
		log.Fatalln("Open TUN error:", err)
	}
	defer dev.Close()
	if err := lib.ConfigureInterface(dev.Name(), cfg.InterfaceAddr, lib.MaxFrameLength); err != nil {
		log.Fatalln("Interface error:", err)
	}

	engine, err := lib.NewEngine(cfg, dev, lib.WithHandler(echo{}))
	if err != nil {
		log.Fatalln(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Echo server listening on %s port %d\n", *addr, *port)
	if err := engine.Run(ctx); err != nil {
		log.Fatalln(err)
	}
}
