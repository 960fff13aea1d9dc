// Command mcread connects to a single PLC endpoint and performs one
// read or write operation, then exits.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/go-plc/mcwatch/mcp"
)

var (
	addr      string
	class     string
	start     uint32
	count     int
	framing   string
	writeVal  string
	asString  bool
	maxChars  int
	logLevel  string
	timeoutMS int
)

var rootCmd = &cobra.Command{
	Use:   "mcread",
	Short: "Read or write a word/bit device range on a PLC over the MC protocol",
	RunE:  run,
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}

func run(cmd *cobra.Command, args []string) error {
	log := newLogger(logLevel)

	framingOpt := mcp.Frame3E
	if framing == "4E" {
		framingOpt = mcp.Frame4E
	}

	host, port, err := splitHostPort(addr)
	if err != nil {
		return err
	}

	session, err := mcp.NewSession(host, port,
		mcp.WithFraming(framingOpt),
		mcp.WithTimeout(time.Duration(timeoutMS)*time.Millisecond),
		mcp.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("construct session: %w", err)
	}
	defer session.Close()

	if asString {
		return runString(session)
	}

	if writeVal != "" {
		return runWrite(session)
	}
	return runRead(session)
}

func runRead(s *mcp.Session) error {
	if mcp.IsBitClass(class) {
		bits, err := s.ReadBits(class, start, count)
		if err != nil {
			return err
		}
		fmt.Println(bits)
		return nil
	}
	words, err := s.ReadWords(class, start, count)
	if err != nil {
		return err
	}
	fmt.Println(words)
	return nil
}

func runWrite(s *mcp.Session) error {
	if mcp.IsBitClass(class) {
		return s.WriteBits(class, start, []bool{writeVal == "1" || writeVal == "true"})
	}
	var v uint16
	if _, err := fmt.Sscanf(writeVal, "%d", &v); err != nil {
		return fmt.Errorf("parse write value: %w", err)
	}
	return s.WriteWords(class, start, []uint16{v})
}

func runString(s *mcp.Session) error {
	if writeVal != "" {
		return s.WriteString(class, start, writeVal)
	}
	str, err := s.ReadString(class, start, maxChars)
	if err != nil {
		return err
	}
	fmt.Println(str)
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	idx := -1
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			idx = i
			break
		}
	}
	var port int
	if idx < 0 {
		return "", 0, fmt.Errorf("invalid address %q, want host:port", addr)
	}
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid address %q, want host:port", addr)
	}
	return addr[:idx], port, nil
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5007", "PLC address, host:port")
	rootCmd.Flags().StringVar(&class, "class", "D", "device class (D, M, X, Y, ...)")
	rootCmd.Flags().Uint32Var(&start, "start", 0, "starting device number")
	rootCmd.Flags().IntVar(&count, "count", 1, "number of points")
	rootCmd.Flags().StringVar(&framing, "framing", "3E", "frame variant: 3E or 4E")
	rootCmd.Flags().StringVar(&writeVal, "write", "", "value to write; if empty, performs a read")
	rootCmd.Flags().BoolVar(&asString, "string", false, "read/write a NUL-terminated string instead of raw points")
	rootCmd.Flags().IntVar(&maxChars, "max-chars", 32, "character budget for a string read")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().IntVar(&timeoutMS, "timeout-ms", 1000, "connect/send/recv timeout in milliseconds")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
