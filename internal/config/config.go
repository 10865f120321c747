package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const envPrefix = "CHUNKLINE_"

// Transport names accepted by --transport.
const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
	TransportUDP  = "udp"
)

const (
	DefaultChunks     = 4
	DefaultPacketSize = 8 * 1024
	DefaultTimeout    = 200 * time.Millisecond
	DefaultMaxTries   = 100

	maxChunks     = 64
	minPacketSize = 512
	maxPacketSize = 65507
)

// ErrInvalidConfig is returned by Validate for out-of-range values.
var ErrInvalidConfig = errors.New("invalid configuration")

// TransferConfig holds the knobs shared by both binaries.
type TransferConfig struct {
	Transport  string        // tcp, quic or udp
	Chunks     int           // chunks per file (1..64)
	PacketSize int           // datagram size in bytes
	Timeout    time.Duration // per-attempt datagram timeout
	MaxTries   int           // datagram attempts before giving up
	LogLevel   string
	EventsAddr string // optional websocket event feed listen address
	HistoryDB  string // optional sqlite path for transfer history
}

// ServerConfig holds configuration for the server binary.
type ServerConfig struct {
	TransferConfig
	Addr      string
	Dir       string
	Advertise bool
}

// ClientConfig holds configuration for the client binary.
type ClientConfig struct {
	TransferConfig
	Server      string
	OutDir      string
	Input       string // request file scanned for new filenames
	Discover    bool
	Interactive bool
}

func defaultTransferConfig() TransferConfig {
	return TransferConfig{
		Transport:  TransportTCP,
		Chunks:     DefaultChunks,
		PacketSize: DefaultPacketSize,
		Timeout:    DefaultTimeout,
		MaxTries:   DefaultMaxTries,
		LogLevel:   "info",
	}
}

// BindServerFlags registers server flags on fs. Environment variables seed the
// defaults so flags take precedence. Call Validate after fs is parsed.
func BindServerFlags(fs *pflag.FlagSet) *ServerConfig {
	cfg := &ServerConfig{
		TransferConfig: defaultTransferConfig(),
		Addr:           ":9000",
		Dir:            ".",
	}
	cfg.TransferConfig.applyEnv()
	envString("ADDR", &cfg.Addr)
	envString("DIR", &cfg.Dir)
	envBool("ADVERTISE", &cfg.Advertise)

	cfg.TransferConfig.bind(fs)
	fs.StringVarP(&cfg.Addr, "addr", "a", cfg.Addr, "listen address")
	fs.StringVarP(&cfg.Dir, "dir", "d", cfg.Dir, "resource directory to serve")
	fs.BoolVar(&cfg.Advertise, "advertise", cfg.Advertise, "advertise the server over mDNS")
	return cfg
}

// BindClientFlags registers client flags on fs. See BindServerFlags.
func BindClientFlags(fs *pflag.FlagSet) *ClientConfig {
	cfg := &ClientConfig{
		TransferConfig: defaultTransferConfig(),
		Server:         "127.0.0.1:9000",
		OutDir:         ".",
	}
	cfg.TransferConfig.applyEnv()
	envString("SERVER", &cfg.Server)
	envString("OUT_DIR", &cfg.OutDir)
	envString("INPUT", &cfg.Input)

	cfg.TransferConfig.bind(fs)
	fs.StringVarP(&cfg.Server, "server", "s", cfg.Server, "server address")
	fs.StringVarP(&cfg.OutDir, "out", "o", cfg.OutDir, "directory to save files")
	fs.StringVar(&cfg.Input, "input", cfg.Input, "request file scanned for new filenames")
	fs.BoolVar(&cfg.Discover, "discover", false, "find the server over mDNS")
	fs.BoolVarP(&cfg.Interactive, "interactive", "i", false, "start an interactive shell")
	return cfg
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ServerConfig, error) {
	cfg := BindServerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}
	return *cfg, cfg.Validate()
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ClientConfig, error) {
	cfg := BindClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}
	return *cfg, cfg.Validate()
}

func (c *TransferConfig) applyEnv() {
	envString("TRANSPORT", &c.Transport)
	envInt("CHUNKS", &c.Chunks)
	envInt("PACKET_SIZE", &c.PacketSize)
	envDuration("TIMEOUT", &c.Timeout)
	envInt("MAX_TRIES", &c.MaxTries)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("EVENTS_ADDR", &c.EventsAddr)
	envString("HISTORY_DB", &c.HistoryDB)
}

func (c *TransferConfig) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Transport, "transport", "t", c.Transport, "transport binding (tcp, quic, udp)")
	fs.IntVarP(&c.Chunks, "chunks", "n", c.Chunks, "chunks per file (1..64)")
	fs.IntVar(&c.PacketSize, "packet-size", c.PacketSize, "datagram size in bytes (udp)")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "per-attempt datagram timeout (udp)")
	fs.IntVar(&c.MaxTries, "max-tries", c.MaxTries, "datagram attempts before giving up (udp)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.EventsAddr, "events-addr", c.EventsAddr, "serve a websocket event feed on this address")
	fs.StringVar(&c.HistoryDB, "history-db", c.HistoryDB, "record transfers in this sqlite database")
}

// Validate normalizes and checks the shared settings.
func (c *TransferConfig) Validate() error {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case TransportTCP, TransportQUIC, TransportUDP:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	if c.Chunks < 1 || c.Chunks > maxChunks {
		return fmt.Errorf("%w: chunks must be in 1..%d, got %d", ErrInvalidConfig, maxChunks, c.Chunks)
	}
	if c.PacketSize < minPacketSize {
		c.PacketSize = minPacketSize
	}
	if c.PacketSize > maxPacketSize {
		c.PacketSize = maxPacketSize
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxTries < 1 {
		return fmt.Errorf("%w: max-tries must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// Validate checks the server settings.
func (c *ServerConfig) Validate() error {
	if err := c.TransferConfig.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Dir) == "" {
		return fmt.Errorf("%w: resource directory is required", ErrInvalidConfig)
	}
	return nil
}

// Validate checks the client settings.
func (c *ClientConfig) Validate() error {
	if err := c.TransferConfig.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Server) == "" && !c.Discover {
		return fmt.Errorf("%w: server address is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.OutDir) == "" {
		c.OutDir = "."
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
