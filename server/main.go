package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"slitd/server/broadcast"
	"slitd/server/game"
	"slitd/server/ledger"
	"slitd/server/state"
	"slitd/server/store"
)

//
// ===== env helpers =====
//

func mustEnv(keys ...string) {
	for _, k := range keys {
		if os.Getenv(k) == "" {
			log.Fatalf("Missing required env var %s. Put it in .env (dev) or set it on the host (prod).", k)
		}
	}
}
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func atoiDef(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
func asBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// instanceID names this process for timer ownership; restarts get a fresh
// identity so stale markers from a previous life are ignored.
func instanceID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		log.Fatalf("instance id: %v", err)
	}
	return hex.EncodeToString(b[:])
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	_ = godotenv.Load()

	mustEnv("DATABASE_URL", "AUTH_SECRET", "PROGRAM_ID")
	dsn := os.Getenv("DATABASE_URL")
	port := getenv("PORT", "8080")

	db, err := store.Open(dsn)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	ctx := context.Background()
	defer db.Close(ctx)
	if asBool(os.Getenv("AUTO_MIGRATE")) {
		if err := store.Migrate(ctx, db); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	st := state.OpenRedis(
		getenv("REDIS_ADDR", "localhost:6379"),
		os.Getenv("REDIS_USERNAME"),
		os.Getenv("REDIS_PASSWORD"),
	)

	bus, err := broadcast.ConnectJetStream(getenv("NATS_URL", "nats://localhost:4222"))
	if err != nil {
		log.Fatalf("nats: %v", err)
	}
	if err := bus.EnsureSeatStream(ctx); err != nil {
		log.Fatalf("nats: seat stream: %v", err)
	}

	lg, err := ledger.NewSolana(
		getenv("SOLANA_RPC_URL", "http://localhost:8899"),
		os.Getenv("PROGRAM_ID"),
	)
	if err != nil {
		log.Fatalf("solana: %v", err)
	}

	instance := instanceID()
	g := game.New(db, st, bus, lg, game.TimerScheduler{}, instance)

	events := ledger.NewDispatcher()
	events.Register(ledger.OpCreate, ledger.SinkFunc(g.HandleCreateConfirmed))
	events.Register(ledger.OpPlay, ledger.SinkFunc(g.HandleStakeConfirmed))
	events.Register(ledger.OpSettle, ledger.SinkFunc(g.HandleSettleConfirmed))
	g.Events = events

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		if err := g.WatchExpirations(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("expiration watcher stopped: %v", err)
		}
	}()

	s := &server{db: db, game: g, auth: newAuthenticator(os.Getenv("AUTH_SECRET"))}
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      Router(s),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("slitd %s listening on :%s", instance, port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Printf("shutting down")
	shutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
}
