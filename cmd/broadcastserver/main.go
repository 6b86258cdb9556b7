package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"talko/internal/broadcastserver"
)

func main() {
	addr := flag.String("addr", ":8888", "TCP address to listen on")
	maxWorkers := flag.Int("max-workers", 0, "maximum concurrent connections (<=0 uses the default)")
	flag.Parse()

	srv := broadcastserver.New(*maxWorkers)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("[broadcastserver] shutting down…")
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(*addr); err != nil {
		log.Printf("[broadcastserver] stopped: %v", err)
	}
}
