// streamtest opens the multiplexed real-time connection, requests the given
// channels and prints every update to the console.
//
// Usage: go run ./cmd/streamtest --config configs/syncd.yaml \
//
//	--channel ticker?market=ABC --channel trade
//
// The session token is read from the config (api.token or api.token_path).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rickgao/tradesync/internal/auth"
	"github.com/rickgao/tradesync/internal/config"
	"github.com/rickgao/tradesync/internal/connection"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/syncd.example.yaml", "path to config file")
	channels := pflag.StringArray("channel", nil, "channel to request, with optional ?key=value params (repeatable)")
	copies := pflag.Int("copies", 1, "independent requests per channel, to exercise sharing")
	verbose := pflag.BoolP("verbose", "v", false, "print full update JSON")
	pflag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if len(*channels) == 0 {
		logger.Error("at least one --channel is required")
		os.Exit(1)
	}

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	tokens, err := auth.LoadCredentials(cfg.API.Token, cfg.API.TokenPath)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connCfg := connection.DefaultConfig()
	connCfg.Client.URL = cfg.API.WSURL
	connCfg.Client.Tokens = tokens
	connCfg.MaxReconnectAttempts = cfg.Connection.MaxReconnectAttempts

	mux := connection.NewMultiplexer(connCfg, connection.WithLogger(logger))

	var wg sync.WaitGroup
	for _, arg := range *channels {
		channel, params, err := parseChannel(arg)
		if err != nil {
			logger.Error("bad --channel", "value", arg, "error", err)
			os.Exit(1)
		}
		for i := 0; i < *copies; i++ {
			h, err := mux.Request(channel, params)
			if err != nil {
				logger.Error("request failed", "channel", channel, "error", err)
				os.Exit(1)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				printUpdates(h, *verbose)
			}()
		}
	}

	if err := mux.Start(ctx); err != nil {
		logger.Error("failed to start multiplexer", "error", err)
		os.Exit(1)
	}

	// State and stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-mux.States():
				if !ok {
					return
				}
				fmt.Printf("[STATE] %s\n", s)
			case <-ticker.C:
				st := mux.Stats()
				logger.Info("stats",
					"state", st.State,
					"subscriptions", st.Subscriptions,
					"handles", st.Handles,
					"pending", st.PendingSubscribes,
					"reconnect_attempts", st.ReconnectAttempts,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	mux.Stop(shutdownCtx)
	wg.Wait()

	logger.Info("shutdown complete")
}

// parseChannel splits "ticker?market=ABC" into the channel and its params.
func parseChannel(arg string) (string, url.Values, error) {
	channel, rawQuery, _ := strings.Cut(arg, "?")
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", nil, err
	}
	return channel, params, nil
}

func printUpdates(h *connection.Handle, verbose bool) {
	for u := range h.Updates() {
		switch {
		case u.Err != nil:
			fmt.Printf("[%s] handle=%s rejected: %v\n", strings.ToUpper(u.Channel), h.ID(), u.Err)
		case verbose:
			data, _ := json.MarshalIndent(u, "", "  ")
			fmt.Printf("[%s] %s\n", strings.ToUpper(u.Channel), data)
		default:
			gap := ""
			if u.SeqGap {
				gap = fmt.Sprintf(" gap=%d", u.GapSize)
			}
			fmt.Printf("[%s] handle=%s type=%s sid=%d seq=%d%s %s\n",
				strings.ToUpper(u.Channel), h.ID(), u.Type, u.SID, u.Seq, gap, u.Data)
		}
	}
}
