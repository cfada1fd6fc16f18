// The manager service: places boards on storage nodes, routes join
// requests to sync nodes and reconciles ownership via heartbeats.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baktrius/nhex2/internal/manager"
	"github.com/baktrius/nhex2/internal/metadata"
)

func main() {
	var (
		appAddr     = flag.String("app", ":7000", "client API listen address")
		infoAddr    = flag.String("info", ":7001", "sync node heartbeat listen address")
		metricsAddr = flag.String("metrics", ":7002", "metrics listen address")
	)
	flag.Parse()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://tm@localhost:5432/tables"
	}
	storeControl := envList("STORE_CONTROL_ADDRS", "http://127.0.0.1:8000")
	storeData := envList("STORE_DATA_ADDRS", "ws://127.0.0.1:8080")
	if len(storeControl) != len(storeData) {
		log.Fatalf("STORE_CONTROL_ADDRS and STORE_DATA_ADDRS must pair up (%d vs %d entries)",
			len(storeControl), len(storeData))
	}
	storeNodes := make([]manager.StoreNode, len(storeControl))
	for i := range storeControl {
		storeNodes[i] = manager.StoreNode{Control: storeControl[i], Data: storeData[i]}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meta, err := metadata.OpenPG(ctx, dbURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer meta.Close()
	log.Println("Connected to metadata database successfully.")

	m := manager.New(manager.Config{StoreNodes: storeNodes}, meta)
	go m.Run(ctx)

	servers := []*http.Server{
		{Addr: *appAddr, Handler: m.PublicRouter()},
		{Addr: *infoAddr, Handler: m.InternalRouter()},
		{Addr: *metricsAddr, Handler: promhttp.Handler()},
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Failed to serve on %s: %v", srv.Addr, err)
			}
		}(srv)
	}
	log.Printf("Table manager running: app %s, info %s, metrics %s", *appAddr, *infoAddr, *metricsAddr)

	<-ctx.Done()
	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(shutdownCtx)
	}
}

func envList(name, fallback string) []string {
	v := os.Getenv(name)
	if v == "" {
		v = fallback
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
