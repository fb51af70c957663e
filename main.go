package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	cfg := LoadConfig()
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to SQLite database")
	flag.StringVar(&cfg.StaticDir, "static", cfg.StaticDir, "Path to dashboard files (empty to disable)")
	flag.Parse()

	db, err := OpenDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	auth := NewAuth(db)
	events := NewEventLog(db)
	mirror := NewMirror(cfg.RedisAddr, cfg.RedisChannel)

	hub := NewHub(cfg, events, mirror)
	sim := NewSimulator(cfg, hub)
	if err := sim.Start(); err != nil {
		log.Fatalf("start simulator: %v", err)
	}

	mux := SetupRoutes(hub, sim, auth, cfg)

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		log.Printf("Server starting on %s (tick %s, %d fish)", cfg.Addr, cfg.TickInterval, cfg.FishCount)
		if cfg.RedisAddr != "" {
			log.Printf("Mirroring snapshots to Redis at %s on %q", cfg.RedisAddr, cfg.RedisChannel)
		}
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe: %v", err)
		}
	}()

	<-stop
	log.Println("Shutting down...")
	if err := sim.Stop(); err != nil {
		log.Printf("stop simulator: %v", err)
	}
	server.Close()
	mirror.Stop()
	events.Stop()
}
