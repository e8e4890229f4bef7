// Command feedtail connects to an arbfeed server, subscribes to the requested
// topics and networks, and prints every received message to stdout. Useful for
// smoke-testing a running feed. Defaults come from the [client] section of the
// shared config file; flags override it. With -mirror it follows the Redis
// opportunity channel instead of the WebSocket feed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cacheredis "github.com/arbfeed/arbfeed/internal/cache/redis"
	"github.com/arbfeed/arbfeed/internal/client"
	"github.com/arbfeed/arbfeed/internal/config"
	"github.com/arbfeed/arbfeed/internal/domain"
)

func main() {
	configPath := flag.String("config", "arbfeed.toml", "path to configuration file")
	url := flag.String("url", "", "feed WebSocket endpoint (overrides config)")
	topics := flag.String("topics", "", "comma-separated topics (prices,gasPrices,arbitrage,networks)")
	networks := flag.String("networks", "", "comma-separated network IDs")
	mirror := flag.Bool("mirror", false, "tail the Redis opportunity mirror channel instead of the WebSocket feed")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fileCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *mirror {
		if err := tailMirror(ctx, fileCfg); err != nil {
			fmt.Fprintf(os.Stderr, "mirror: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cc := fileCfg.Client
	if *url != "" {
		cc.URL = *url
	}
	if *topics != "" {
		cc.Topics = splitCSV(*topics)
	}
	if *networks != "" {
		cc.Networks = splitCSV(*networks)
	}

	sub := &client.Subscription{
		Topics:   parseTopics(cc.Topics),
		Networks: parseNetworks(cc.Networks),
	}
	if len(sub.Topics) == 0 {
		fmt.Fprintln(os.Stderr, "no valid topics configured")
		os.Exit(2)
	}

	c := client.New(client.Config{
		URL:            cc.URL,
		InitialBackoff: cc.InitialBackoff.Duration,
		MaxBackoff:     cc.MaxBackoff.Duration,
		MaxAttempts:    cc.MaxAttempts,
		Subscription:   sub,
	}, logger)

	for _, msgType := range []string{"prices", "gasPrices", "arbitrageOpportunities", "networks", "connection", "subscribed"} {
		c.OnMessage(msgType, func(data json.RawMessage) {
			printMessage(msgType, data)
		})
	}

	done := make(chan struct{})
	c.OnDisconnect(func(err error) {
		if c.Err() != nil {
			fmt.Fprintf(os.Stderr, "feed unreachable: %v\n", err)
			close(done)
		}
	})

	if err := c.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v (retrying)\n", err)
	}

	select {
	case <-ctx.Done():
		c.Disconnect()
	case <-done:
		os.Exit(1)
	}
}

// tailMirror follows the opportunity snapshots the server mirrors onto the
// configured Redis pub/sub channel, printing each payload until interrupted.
func tailMirror(ctx context.Context, cfg *config.Config) error {
	channel := cfg.Redis.PublishChannel
	if channel == "" {
		return fmt.Errorf("redis.publish_channel is not configured")
	}

	rc, err := cacheredis.New(ctx, cacheredis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return err
	}
	defer rc.Close()

	payloads, err := cacheredis.NewSignalBus(rc).Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	for payload := range payloads {
		printMessage("arbitrageOpportunities", payload)
	}
	return nil
}

func printMessage(msgType string, data json.RawMessage) {
	line, err := json.Marshal(struct {
		Time string          `json:"time"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{
		Time: time.Now().UTC().Format(time.RFC3339),
		Type: msgType,
		Data: data,
	})
	if err != nil {
		return
	}
	fmt.Println(string(line))
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTopics(names []string) []domain.Topic {
	var out []domain.Topic
	for _, name := range names {
		t := domain.Topic(name)
		if t.Valid() {
			out = append(out, t)
		} else {
			fmt.Fprintf(os.Stderr, "skipping unknown topic %q\n", name)
		}
	}
	return out
}

func parseNetworks(names []string) []domain.NetworkID {
	out := make([]domain.NetworkID, 0, len(names))
	for _, name := range names {
		out = append(out, domain.NetworkID(name))
	}
	return out
}
