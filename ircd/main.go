package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ircnet/daemon"
	"ircnet/db"
)

func main() {
	_ = godotenv.Load()

	cfg := daemon.ConfigFromEnv()

	store, err := db.Open(cfg.DBFile)
	if err != nil {
		log.Fatal("Error opening database:", err)
	}
	defer store.Close()

	d, err := daemon.New(cfg, store)
	if err != nil {
		log.Fatal("Error configuring server:", err)
	}
	if err := d.Start(); err != nil {
		log.Fatal("Error starting listeners:", err)
	}

	var server *http.Server
	if cfg.HTTPAddr != "" {
		server = &http.Server{Addr: cfg.HTTPAddr, Handler: newRouter(d)}
		go func() {
			log.Printf("Starting admin API on %s", cfg.HTTPAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("ListenAndServe error: %v", err)
			}
		}()
	}
	log.Printf("%s is up", cfg.ServerName)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down ircd...")

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("admin API forced shutdown: %v", err)
		}
	}
	d.Shutdown()
}
