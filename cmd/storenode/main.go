// The storage node: keeps the durable append-only command log for the
// boards assigned to it.
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

	"github.com/baktrius/nhex2/internal/storenode"
)

func main() {
	var (
		controlAddr = flag.String("control", ":8000", "control API listen address")
		dataAddr    = flag.String("data", ":8080", "data websocket listen address")
		metricsAddr = flag.String("metrics", ":8001", "metrics listen address")
	)
	flag.Parse()

	mongoURL := os.Getenv("MONGO_URL")
	if mongoURL == "" {
		mongoURL = "mongodb://127.0.0.1:27017/?maxPoolSize=20&w=majority"
	}
	dbName := os.Getenv("MONGO_DB")
	if dbName == "" {
		dbName = "boards"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := storenode.OpenMongo(ctx, mongoURL, dbName)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer repo.Close(context.Background())
	log.Println("Connected to board database successfully.")

	server := storenode.NewServer(repo)
	servers := []*http.Server{
		{Addr: *controlAddr, Handler: server.ControlRouter()},
		{Addr: *dataAddr, Handler: server.DataRouter()},
		{Addr: *metricsAddr, Handler: promhttp.Handler()},
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Failed to serve on %s: %v", srv.Addr, err)
			}
		}(srv)
	}
	log.Printf("Storage node running: control %s, data %s, metrics %s", *controlAddr, *dataAddr, *metricsAddr)

	<-ctx.Done()
	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(shutdownCtx)
	}
}
