// ABOUTME: Entry point for aura-chat, a terminal client for the chat backend
// ABOUTME: Wires config, logging, the session store, request client, realtime channel and synchronizer

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/aura-chat/internal/api"
	"github.com/2389/aura-chat/internal/chat"
	"github.com/2389/aura-chat/internal/config"
	"github.com/2389/aura-chat/internal/logging"
	"github.com/2389/aura-chat/internal/realtime"
	"github.com/2389/aura-chat/internal/session"
)

// Version is set at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file (yaml or toml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, configPath string) error {
	path, err := config.Locate(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging, os.Stderr)

	store := session.NewStore(cfg.Session.Path)
	if err := store.Load(); err != nil {
		return err
	}
	store.LoadEnv()

	client := api.NewFromConfig(cfg.API, store, logger)
	ch := realtime.New(realtime.OptionsFromConfig(cfg.Realtime), logger)
	defer ch.Close()

	syncer := chat.New(client, ch, logger)
	defer syncer.Stop()

	a := newApp(client, ch, syncer, store, os.Stdout)
	defer a.detach()

	color.New(color.FgCyan).Printf("aura-chat %s\n", version)
	color.New(color.FgHiBlack).Printf("backend %s, events %s\n", cfg.API.BaseURL, cfg.Realtime.URL)
	a.resume()
	fmt.Println("Type /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	lines := make(chan string)

	g.Go(func() error {
		defer close(lines)
		return readLines(gctx, os.Stdin, lines)
	})
	g.Go(func() error {
		defer stop()
		return a.loop(gctx, lines)
	})
	g.Go(func() error {
		// Unblocks the line reader once the loop is done.
		<-gctx.Done()
		_ = os.Stdin.Close()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// readLines forwards stdin lines until EOF or ctx is done.
func readLines(ctx context.Context, r io.Reader, out chan<- string) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-ctx.Done():
			return nil
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}
