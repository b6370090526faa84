package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"

	"castkeeper/internal/mediaserver"
)

type DiscoveryConfig struct {
	SearchInterval     time.Duration
	DescriptionTimeout time.Duration
	MissThreshold      int
}

type SupervisorConfig struct {
	Tick             time.Duration
	StallTicks       int
	PreRestartMargin time.Duration
}

type RetryConfig struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

type MediaConfig struct {
	Host         string // advertised address; autodetected when empty
	PortLow      int
	PortHigh     int
	Mode         mediaserver.ResourceMode // "direct" or "buffered"
	BufferSize   int
	MaxIO        int
	DrainTimeout time.Duration
}

// RendererProfile overrides the DLNA profile and flags for renderers whose
// SERVER string matches the pattern.
type RendererProfile struct {
	Pattern string
	Profile string
	Flags   string
}

type AdminConfig struct {
	Addr      string
	RateLimit float64 // requests per second per client IP
	RateBurst int
}

type CatalogConfig struct {
	DBPath   string
	ScanDirs []string
}

type LogConfig struct {
	Level slog.Level
}

type Config struct {
	Discovery   DiscoveryConfig
	SOAPTimeout time.Duration
	Supervisor  SupervisorConfig
	Retry       RetryConfig
	Media       MediaConfig
	Admin       AdminConfig
	Catalog     CatalogConfig
	Profiles    []RendererProfile
	Logger      LogConfig
}

// profileFlag collects repeatable -renderer.profile flags of the form
// "pattern:PROFILE" or "pattern:PROFILE:FLAGS".
type profileFlag []RendererProfile

func (p *profileFlag) String() string {
	return "Renderer profile override: pattern:PROFILE[:FLAGS]"
}

func (p *profileFlag) Set(value string) error {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid format, expected 'pattern:PROFILE[:FLAGS]'")
	}

	rp := RendererProfile{Pattern: parts[0], Profile: parts[1]}
	if len(parts) == 3 {
		rp.Flags = parts[2]
	}
	*p = append(*p, rp)
	return nil
}

const defaultBufferSize = 4 * 1024 * 1024

func DefaultConfig() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			SearchInterval:     10 * time.Second,
			DescriptionTimeout: 5 * time.Second,
			MissThreshold:      3,
		},
		SOAPTimeout: 5 * time.Second,
		Supervisor: SupervisorConfig{
			Tick:             2 * time.Second,
			StallTicks:       3,
			PreRestartMargin: 3 * time.Second,
		},
		Retry: RetryConfig{
			Base:        500 * time.Millisecond,
			Cap:         30 * time.Second,
			MaxAttempts: 5,
		},
		Media: MediaConfig{
			PortLow:      9000,
			PortHigh:     9100,
			Mode:         mediaserver.ModeBuffered,
			BufferSize:   defaultBufferSize,
			MaxIO:        10,
			DrainTimeout: 10 * time.Second,
		},
		Admin: AdminConfig{
			Addr:      ":8080",
			RateLimit: 10,
			RateBurst: 20,
		},
		Catalog: CatalogConfig{
			DBPath: "castkeeper.db",
		},
		Logger: LogConfig{
			Level: slog.LevelInfo,
		},
	}
}

func ParseArgs(cfg *Config, args []string, stderr io.Writer) error {
	defaultCfg := DefaultConfig()

	fs := flag.NewFlagSet("castkeeper", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [options] [path...]\n\n", fs.Name())
		fmt.Fprintln(fs.Output(), "Keeps UPnP/DLNA renderers playing their assigned videos.")
		fmt.Fprintln(fs.Output(), "\nOptions:")
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "\nArguments:")
		fmt.Fprintln(fs.Output(), "  path    Video directory to scan into the catalog (repeatable)")
	}

	fs.DurationVar(&cfg.Discovery.SearchInterval, "discovery.interval", defaultCfg.Discovery.SearchInterval, "SSDP search sweep interval")
	fs.DurationVar(&cfg.Discovery.DescriptionTimeout, "discovery.descriptionTimeout", defaultCfg.Discovery.DescriptionTimeout, "Device description fetch timeout")
	fs.IntVar(&cfg.Discovery.MissThreshold, "discovery.missThreshold", defaultCfg.Discovery.MissThreshold, "Sweeps missed before a renderer is disconnected")

	fs.DurationVar(&cfg.SOAPTimeout, "soap.timeout", defaultCfg.SOAPTimeout, "Per SOAP call timeout")

	fs.DurationVar(&cfg.Supervisor.Tick, "supervisor.tick", defaultCfg.Supervisor.Tick, "Supervisor poll interval")
	fs.IntVar(&cfg.Supervisor.StallTicks, "supervisor.stallTicks", defaultCfg.Supervisor.StallTicks, "Frozen-position ticks before a stall restart")
	fs.DurationVar(&cfg.Supervisor.PreRestartMargin, "supervisor.preRestartMargin", defaultCfg.Supervisor.PreRestartMargin, "Restart a looping video this close to its end")

	fs.DurationVar(&cfg.Retry.Base, "retry.base", defaultCfg.Retry.Base, "Activation retry backoff base")
	fs.DurationVar(&cfg.Retry.Cap, "retry.cap", defaultCfg.Retry.Cap, "Activation retry backoff ceiling")
	fs.IntVar(&cfg.Retry.MaxAttempts, "retry.maxAttempts", defaultCfg.Retry.MaxAttempts, "Activation attempts before an assignment fails")

	fs.StringVar(&cfg.Media.Host, "media.host", defaultCfg.Media.Host, "Advertised media address (autodetected if empty)")

	var portRangeStr string
	fs.StringVar(&portRangeStr, "media.ports", "9000-9100", "Media listener port range (low-high)")

	var modeStr string
	fs.StringVar(&modeStr, "media.mode", "buffered", "Resource mode: direct, buffered")

	var bufferSizeStr string
	fs.StringVar(&bufferSizeStr, "media.bufferSize", "4MB", "Read buffer size (e.g. 4MB, 512KB)")

	fs.IntVar(&cfg.Media.MaxIO, "media.maxIO", defaultCfg.Media.MaxIO, "Max concurrent disk reads")
	fs.DurationVar(&cfg.Media.DrainTimeout, "media.drainTimeout", defaultCfg.Media.DrainTimeout, "Shutdown drain window for in-flight streams")

	fs.StringVar(&cfg.Admin.Addr, "admin.addr", defaultCfg.Admin.Addr, "Admin API address")
	fs.Float64Var(&cfg.Admin.RateLimit, "admin.rateLimit", defaultCfg.Admin.RateLimit, "Admin requests per second per client")
	fs.IntVar(&cfg.Admin.RateBurst, "admin.rateBurst", defaultCfg.Admin.RateBurst, "Admin request burst per client")

	fs.StringVar(&cfg.Catalog.DBPath, "catalog.db", defaultCfg.Catalog.DBPath, "Catalog sqlite database path")

	var logLevelStr string
	fs.StringVar(&logLevelStr, "logger.level", "info", "Log level (debug, info, warn, error)")

	var profiles profileFlag
	fs.Var(&profiles, "renderer.profile", "Override DLNA profile per SERVER pattern: pattern:PROFILE[:FLAGS]")

	if err := fs.Parse(args); err != nil {
		return err
	}

	low, high, err := validatePortRange(portRangeStr)
	if err != nil {
		return err
	}
	cfg.Media.PortLow, cfg.Media.PortHigh = low, high

	mode, err := validateMode(modeStr)
	if err != nil {
		return err
	}
	cfg.Media.Mode = mode

	bufferSize, err := validateBufferSize(bufferSizeStr)
	if err != nil {
		return err
	}
	cfg.Media.BufferSize = bufferSize

	level, err := validateLoggerLevel(logLevelStr)
	if err != nil {
		return err
	}
	cfg.Logger.Level = level

	if cfg.Discovery.MissThreshold < 1 {
		return fmt.Errorf("discovery.missThreshold must be at least 1")
	}
	if cfg.Supervisor.StallTicks < 1 {
		return fmt.Errorf("supervisor.stallTicks must be at least 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxAttempts must be at least 1")
	}

	cfg.Profiles = profiles
	cfg.Catalog.ScanDirs = fs.Args()

	return nil
}

// ProfileFor returns the override matching a renderer SERVER string, if any.
// Patterns match as case-insensitive substrings; "*" suffixes are tolerated.
func (cfg *Config) ProfileFor(server string) (RendererProfile, bool) {
	s := strings.ToLower(server)
	for _, p := range cfg.Profiles {
		pat := strings.ToLower(strings.TrimSuffix(p.Pattern, "*"))
		if pat != "" && strings.Contains(s, pat) {
			return p, true
		}
	}
	return RendererProfile{}, false
}

func validatePortRange(s string) (int, int, error) {
	low, high, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid port range %q: expected low-high", s)
	}
	l, err := strconv.Atoi(low)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid low port %q: %w", low, err)
	}
	h, err := strconv.Atoi(high)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid high port %q: %w", high, err)
	}
	if l < 1 || h > 65535 || l > h {
		return 0, 0, fmt.Errorf("port range %d-%d out of order or out of bounds", l, h)
	}
	return l, h, nil
}

func validateMode(modeStr string) (mediaserver.ResourceMode, error) {
	switch strings.ToLower(modeStr) {
	case "direct":
		return mediaserver.ModeDirect, nil
	case "buffered":
		return mediaserver.ModeBuffered, nil
	default:
		return mediaserver.ModeUnknown, fmt.Errorf("invalid mode %q: must be 'direct' or 'buffered'", modeStr)
	}
}

func validateBufferSize(bufStr string) (int, error) {
	bufSize64, err := parseBytes(bufStr)
	if err != nil {
		return 0, err
	}

	const maxInt = int(^uint(0) >> 1)
	if bufSize64 > int64(maxInt) {
		return 0, fmt.Errorf("buffer size too large for this system architecture")
	}
	if bufSize64 < 0 {
		return 0, fmt.Errorf("buffer size cannot be negative")
	}
	return int(bufSize64), nil
}

func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.ToUpper(s)

	// index of the first rune of the size suffix
	i := strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.'
	})
	if i == -1 {
		return strconv.ParseInt(s, 10, 64)
	}

	numericStr := s[:i]
	unitStr := strings.TrimSpace(s[i:])

	val, err := strconv.ParseFloat(numericStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in byte string: %w", err)
	}

	var multiplier float64
	switch unitStr {
	case "B":
		multiplier = 1
	case "KB":
		multiplier = 1024
	case "MB":
		multiplier = 1024 * 1024
	case "GB":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown unit %q (expected B, KB, MB, GB)", unitStr)
	}

	return int64(val * multiplier), nil
}

func validateLoggerLevel(logLevelStr string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevelStr)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", logLevelStr, err)
	}
	return level, nil
}
