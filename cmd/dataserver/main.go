package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"talko/internal/dataserver"
	"talko/internal/store"
)

func main() {
	addr := flag.String("addr", ":8889", "TCP address to listen on")
	broadcastAddr := flag.String("broadcast-addr", ":8888", "address of the broadcast server to fan out new messages to")
	dbPath := flag.String("db", "./chat.db", "path to the SQLite database file")
	maxWorkers := flag.Int("max-workers", 0, "maximum concurrent connections (<=0 uses the default)")
	flag.Parse()

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	srv := dataserver.New(st, *broadcastAddr, *maxWorkers)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("[dataserver] shutting down…")
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(*addr); err != nil {
		log.Printf("[dataserver] stopped: %v", err)
	}
}
