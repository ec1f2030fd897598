// ABOUTME: Entry point for aura-devserver, a local in-memory chat backend
// ABOUTME: Serves the REST and websocket contracts for trying aura-chat without a real backend

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/aura-chat/internal/config"
	"github.com/2389/aura-chat/internal/fakebackend"
	"github.com/2389/aura-chat/internal/logging"
	"github.com/2389/aura-chat/internal/model"
)

const shutdownTimeout = 5 * time.Second

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "Listen address")
	secret := flag.String("secret", os.Getenv("AURA_DEV_SECRET"), "Token signing secret (random when empty)")
	echo := flag.Bool("echo", false, "Relay sendMessage back to the originating session too")
	seed := flag.String("seed", "", "Comma-separated username:password accounts to create at startup")
	level := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	format := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.Setup(config.LoggingConfig{Level: *level, Format: *format}, os.Stderr)

	if err := run(ctx, logger, *addr, *secret, *echo, *seed); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, addr, secret string, echo bool, seed string) error {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generating secret: %w", err)
		}
	}

	be := fakebackend.New(fakebackend.Options{Secret: key, EchoToSender: echo}, logger)
	defer be.Close()

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	green.Print("    ▶ ")
	fmt.Printf("REST:      http://%s\n", addr)
	green.Print("    ▶ ")
	fmt.Printf("Events:    ws://%s/ws\n", addr)

	accounts, err := seedAccounts(be, seed)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		green.Print("    ▶ ")
		fmt.Print("Account:   ")
		cyan.Println(a)
	}
	fmt.Println()

	srv := &http.Server{
		Addr:              addr,
		Handler:           be,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", addr, "echo_to_sender", echo)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		be.Close()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// seedAccounts registers the "user:pass,user:pass" list and returns the usernames.
func seedAccounts(be *fakebackend.Server, list string) ([]string, error) {
	var names []string
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, pass, ok := strings.Cut(entry, ":")
		if !ok || user == "" || pass == "" {
			return nil, fmt.Errorf("invalid seed account %q, want username:password", entry)
		}
		if _, _, err := be.Seed(model.Registration{Username: user, Password: pass, FirstName: user}); err != nil {
			return nil, fmt.Errorf("seeding %s: %w", user, err)
		}
		names = append(names, user)
	}
	return names, nil
}
