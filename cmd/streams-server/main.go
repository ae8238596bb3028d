// Command streams-server runs the tangle transport: an HTTP/websocket
// front end over a durable blob store, either Redis or (for local
// experimentation) an in-process map.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"streams/internal/log"
	"streams/internal/transport"
	"streams/internal/transport/redistransport"
	"streams/internal/transport/tangle"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", ":9090", "HTTP listen address")
	redisAddr := flag.String("redis", "", "Redis address (empty uses an in-process store, for local experimentation)")
	flag.Parse()

	var store tangle.Store
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		store = redistransport.New(rdb)
		log.Info("streams-server: backed by redis", zap.String("addr", *redisAddr))
	} else {
		store = transport.NewMemory()
		log.Info("streams-server: backed by in-process memory store")
	}

	server := tangle.NewServer(store)
	httpServer := &http.Server{Addr: *addr, Handler: server.Router()}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("streams-server: listen failed", zap.Error(err))
		}
	}()
	log.Info("streams-server: listening", zap.String("addr", *addr))

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	if err := httpServer.Close(); err != nil {
		log.Error("streams-server: shutdown error", zap.Error(err))
	}
	log.Sync()
}
