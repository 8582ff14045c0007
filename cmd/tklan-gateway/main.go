// Command tklan-gateway runs the TKLan serial link and its Redis-backed
// gateway: it owns the bus, answers commands-queue requests, and publishes
// every successful exchange.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teknotrol/tklan-gateway/internal/tklan/config"
	"github.com/teknotrol/tklan-gateway/internal/tklan/gateway"
	"github.com/teknotrol/tklan-gateway/internal/tklan/link"
	tklanredis "github.com/teknotrol/tklan-gateway/internal/tklan/redis"
)

var (
	serialPort  = flag.String("serial", "/dev/ttyAMA0", "Serial device path")
	baudRate    = flag.Int("baud", 2400, "Serial baud rate")
	portTimeout = flag.Duration("port-timeout", 250*time.Millisecond, "Serial read timeout")

	redisAddr = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass = flag.String("redis-pass", "", "Redis password")
	redisDB   = flag.Int("redis-db", 0, "Redis database number")

	waitMasterPeriod   = flag.Duration("wait-master-period", 2*time.Second, "Idle-line duration that indicates no master is present")
	masterEventTimeout = flag.Duration("master-event-timeout", 20*time.Second, "Expiry for want_master/give_master flags")
	longReconnect      = flag.Duration("long-reconnect-period", 5*time.Second, "Reconnect cadence after instant_reconnect_tries is exhausted")
	conStatusPeriod    = flag.Duration("con-status-period", time.Second, "Supervisor idle poll period")
	sendPackageTries   = flag.Int("send-package-tries", 3, "Retry budget for transient link errors")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting TKLan gateway")
	log.Printf("Serial port: %s @ %d baud", *serialPort, *baudRate)
	log.Printf("Redis address: %s", *redisAddr)

	cfg := config.Default()
	cfg.SerialPort = *serialPort
	cfg.BaudRate = *baudRate
	cfg.PortTimeout = *portTimeout
	cfg.RedisAddr = *redisAddr
	cfg.RedisPassword = *redisPass
	cfg.RedisDB = *redisDB
	cfg.WaitMasterPeriod = *waitMasterPeriod
	cfg.MasterEventTimeout = *masterEventTimeout
	cfg.LongReconnectPeriod = *longReconnect
	cfg.ConStatusPeriod = *conStatusPeriod
	cfg.SendPackageTries = *sendPackageTries

	redisClient, err := tklanredis.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Printf("Connected to Redis")

	l := link.New(cfg)
	if err := l.Start(); err != nil {
		log.Fatalf("Failed to start serial link: %v", err)
	}
	defer l.Stop()
	log.Printf("Serial link starting on %s", cfg.SerialPort)

	gw := gateway.New(l, redisClient, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)
	log.Printf("Gateway polling %s", gateway.CommandsKey)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Printf("Shutting down...")
	cancel()
}
