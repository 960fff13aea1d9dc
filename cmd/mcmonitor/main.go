// Command mcmonitor runs a long-lived monitor against one or more PLC
// endpoints, logging value changes and read errors, and reconnecting a
// dropped session with exponential backoff.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/go-plc/mcwatch/mcp"
)

var (
	plcAddrs []string
	class    string
	start    uint32
	count    int
	interval time.Duration
	framing  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "mcmonitor",
	Short: "Poll one or more PLC endpoints and log device value changes",
	RunE:  run,
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: lvl, TimeFormat: time.Kitchen}))
}

func run(cmd *cobra.Command, args []string) error {
	if len(plcAddrs) == 0 {
		return fmt.Errorf("at least one --plc host:port is required")
	}
	log := newLogger(logLevel)

	framingOpt := mcp.Frame3E
	if framing == "4E" {
		framingOpt = mcp.Frame4E
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	for _, addr := range plcAddrs {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			runEndpoint(ctx, log, addr, framingOpt)
		}()
	}
	wg.Wait()
	return nil
}

// runEndpoint keeps a Session connected to addr for the process lifetime,
// reconnecting with exponential backoff whenever the session drops, and
// drives a Monitor against it in the foreground while connected.
func runEndpoint(ctx context.Context, log *slog.Logger, addr string, framing mcp.Framing) {
	log = log.With("addr", addr)
	host, port, err := splitHostPort(addr)
	if err != nil {
		log.Error("invalid address", "error", err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		session, err := mcp.NewSession(host, port,
			mcp.WithFraming(framing),
			mcp.WithTimeout(2*time.Second),
			mcp.WithLogger(log),
		)
		if err != nil {
			log.Error("construct session", "error", err)
			return
		}

		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0 // retry indefinitely until ctx is cancelled

		err = backoff.Retry(func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if err := session.Connect(); err != nil {
				log.Warn("connect failed, retrying", "error", err)
				return err
			}
			return nil
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			return
		}

		monitorOnce(ctx, log, session)
		session.Close()
	}
}

// monitorOnce registers the configured targets and runs the monitor until
// the session disconnects or the context is cancelled.
func monitorOnce(ctx context.Context, log *slog.Logger, session *mcp.Session) {
	m := mcp.NewMonitor(session, interval, false, mcp.WithMonitorLogger(log))

	disconnected := make(chan struct{})
	var once sync.Once
	onErr := func(class, identifier string, err error) {
		log.Warn("read failed", "class", class, "point", identifier, "error", err)
		once.Do(func() { close(disconnected) })
	}
	onChange := func(class string, number uint32, oldValue, newValue mcp.Value) {
		log.Info("value changed", "class", class, "number", number, "old", oldValue.String(), "new", newValue.String())
	}

	if count > 1 {
		m.AddRange(class, start, count, onChange, onErr)
	} else {
		m.AddPoint(class, start, onChange, onErr)
	}

	m.Start(0)
	defer m.Stop()

	select {
	case <-ctx.Done():
	case <-disconnected:
	}
}

func splitHostPort(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("invalid address %q, want host:port", addr)
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return addr[:idx], port, nil
}

func init() {
	rootCmd.Flags().StringArrayVar(&plcAddrs, "plc", nil, "PLC endpoint host:port, may be repeated for multiple PLCs")
	rootCmd.Flags().StringVar(&class, "class", "D", "device class to monitor")
	rootCmd.Flags().Uint32Var(&start, "start", 0, "starting device number")
	rootCmd.Flags().IntVar(&count, "count", 1, "number of points; >1 registers a range")
	rootCmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	rootCmd.Flags().StringVar(&framing, "framing", "3E", "frame variant: 3E or 4E")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
