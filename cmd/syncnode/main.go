// The table synchronization node: serves boards to live clients and
// bridges them to their storage backends.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/baktrius/nhex2/internal/syncnode"
	"github.com/baktrius/nhex2/internal/users"
)

func main() {
	var (
		controlAddr      = flag.String("control", ":9001", "control API listen address")
		clientAddr       = flag.String("clients", ":9002", "client websocket listen address")
		metricsAddr      = flag.String("metrics", ":9003", "metrics listen address")
		advertiseControl = flag.String("advertise-control", "http://127.0.0.1:9001", "control address advertised to the manager")
		advertiseClient  = flag.String("advertise-clients", "ws://127.0.0.1:9002", "client address advertised to the manager")
	)
	flag.Parse()

	managerAddr := os.Getenv("MANAGER_ADDR")
	if managerAddr == "" {
		managerAddr = "http://127.0.0.1:7001"
	}
	usersAddr := os.Getenv("USERS_ADDR")
	if usersAddr == "" {
		usersAddr = "http://127.0.0.1:3000/info"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// An identity cache is optional; without Redis every lookup goes to
	// the users service directly.
	var cache *redis.Client
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: redisAddr})
		if _, err := cache.Ping(ctx).Result(); err != nil {
			log.Fatalf("Could not connect to Redis: %v", err)
		}
		log.Println("Connected to Redis successfully.")
	}

	node := syncnode.New(syncnode.Config{
		ControlAddr: *advertiseControl,
		ClientAddr:  *advertiseClient,
		ManagerAddr: managerAddr,
	}, users.NewClient(usersAddr, cache))
	go node.Run(ctx)

	servers := []*http.Server{
		{Addr: *controlAddr, Handler: node.ControlRouter()},
		{Addr: *clientAddr, Handler: node.ClientRouter()},
		{Addr: *metricsAddr, Handler: promhttp.Handler()},
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Failed to serve on %s: %v", srv.Addr, err)
			}
		}(srv)
	}
	log.Printf("Sync node running: control %s, clients %s, metrics %s", *controlAddr, *clientAddr, *metricsAddr)

	<-ctx.Done()
	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(shutdownCtx)
	}
}
