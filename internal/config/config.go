// Package config loads gpuwire settings from flags, GPUWIRE_* environment
// variables and .env files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/chronologos/gpuwire/internal/auth"
	"github.com/chronologos/gpuwire/internal/logging"
	"github.com/chronologos/gpuwire/internal/protocol"
	"github.com/chronologos/gpuwire/internal/transport"
)

// EnvPrefix is prepended to flag names to form environment variables,
// e.g. GPUWIRE_CHUNK_CEILING.
const EnvPrefix = "gpuwire"

// EnvFiles are loaded in order; values already in the environment win.
var EnvFiles = []string{".env", ".env.local"}

// Config holds the settings shared by the display and render commands.
type Config struct {
	// Transport
	Transport transport.Kind
	Endpoint  string
	Passkey   []byte

	// Buffers
	ChunkCeiling int
	OutboundSize int

	// Display
	FPS    int
	Width  uint32
	Height uint32
	Format protocol.PixelFormat
	Scale  uint16

	// Render
	ReconnectDelay time.Duration
	BatchSize      int

	// Observability
	LogLevel       string
	Trace          bool
	MetricsAddr    string
	StatusInterval time.Duration
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Transport:      transport.KindUnix,
		Endpoint:       "gpuwire.sock",
		ChunkCeiling:   protocol.DefaultChunkCeiling,
		OutboundSize:   4096,
		FPS:            10,
		Width:          640,
		Height:         480,
		Format:         protocol.PixelFormatBGRA8Unorm,
		Scale:          protocol.ScaleUnity,
		ReconnectDelay: time.Second,
		BatchSize:      4096,
		LogLevel:       "info",
		StatusInterval: 30 * time.Second,
	}
}

// RegisterFlags defines every setting on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("transport", d.Transport.String(), "Transport: unix, tcp, tls, quic or dual (tls+quic on one port)")
	fs.String("endpoint", d.Endpoint, "Socket path for unix, host:port otherwise")
	fs.String("passkey", "", "Hex passkey for tls/quic/dual (64 hex characters)")
	fs.Int("chunk-ceiling", d.ChunkCeiling, "Largest command chunk payload in bytes")
	fs.Int("outbound-size", d.OutboundSize, "Buffer size for small outbound messages in bytes")
	fs.Int("fps", d.FPS, "Frame signals per second sent by the display")
	fs.Uint32("width", d.Width, "Framebuffer width announced by the display")
	fs.Uint32("height", d.Height, "Framebuffer height announced by the display")
	fs.String("format", d.Format.String(), "Framebuffer pixel format")
	fs.Uint16("scale", d.Scale, "Display scale, 1000 = 100%")
	fs.Duration("reconnect-delay", d.ReconnectDelay, "Delay between render reconnect attempts")
	fs.Int("batch-size", d.BatchSize, "Command bytes the render host produces per frame")
	fs.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	fs.Bool("trace", false, "Log wire bytes and command chunk digests at debug level")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (empty disables)")
	fs.Duration("status-interval", d.StatusInterval, "Interval between status log lines (0 disables)")
}

// NewViper returns a viper instance bound to GPUWIRE_* variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadEnvFiles loads the given .env files into the process environment.
// Missing files are skipped.
func LoadEnvFiles(files ...string) {
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Load resolves the configuration from fs (already parsed) and the
// environment, then validates it.
func Load(v *viper.Viper, fs *pflag.FlagSet) (Config, error) {
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, err
	}

	c := Defaults()
	var err error
	if c.Transport, err = transport.ParseKind(v.GetString("transport")); err != nil {
		return Config{}, err
	}
	c.Endpoint = v.GetString("endpoint")
	if pk := v.GetString("passkey"); pk != "" {
		if c.Passkey, err = auth.ParsePasskey(pk); err != nil {
			return Config{}, err
		}
	}
	c.ChunkCeiling = v.GetInt("chunk-ceiling")
	c.OutboundSize = v.GetInt("outbound-size")
	c.FPS = v.GetInt("fps")
	c.Width = v.GetUint32("width")
	c.Height = v.GetUint32("height")
	format, ok := protocol.ParsePixelFormat(v.GetString("format"))
	if !ok {
		return Config{}, fmt.Errorf("unknown pixel format %q", v.GetString("format"))
	}
	c.Format = format
	c.Scale = v.GetUint16("scale")
	c.ReconnectDelay = v.GetDuration("reconnect-delay")
	c.BatchSize = v.GetInt("batch-size")
	c.LogLevel = v.GetString("log-level")
	c.Trace = v.GetBool("trace")
	c.MetricsAddr = v.GetString("metrics-addr")
	c.StatusInterval = v.GetDuration("status-interval")

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks ranges and cross-field requirements.
func (c Config) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.Transport.Remote() && len(c.Passkey) == 0 {
		errs = append(errs, fmt.Errorf("transport %s requires --passkey", c.Transport))
	}
	if c.ChunkCeiling < 1 || c.ChunkCeiling > protocol.MaxChunkCeiling {
		errs = append(errs, fmt.Errorf("chunk-ceiling must be between 1 and %d", protocol.MaxChunkCeiling))
	}
	// The ring must hold the largest fixed message next to the tag byte.
	if need := 1 + protocol.FramebufferInfoSize + 1; c.OutboundSize < need {
		errs = append(errs, fmt.Errorf("outbound-size must be at least %d", need))
	}
	if c.FPS < 1 || c.FPS > 1000 {
		errs = append(errs, errors.New("fps must be between 1 and 1000"))
	}
	if c.Width == 0 || c.Height == 0 {
		errs = append(errs, errors.New("width and height must be non-zero"))
	}
	if c.Scale == 0 {
		errs = append(errs, errors.New("scale must be non-zero"))
	}
	if c.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("reconnect-delay must be positive"))
	}
	if c.BatchSize < 1 || c.BatchSize > c.ChunkCeiling {
		errs = append(errs, errors.New("batch-size must be between 1 and chunk-ceiling"))
	}
	if c.StatusInterval < 0 {
		errs = append(errs, errors.New("status-interval must not be negative"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// FrameInterval is the period between frame signals.
func (c Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FPS)
}

// FramebufferInfo is the surface description the display announces.
func (c Config) FramebufferInfo() protocol.FramebufferInfo {
	return protocol.FramebufferInfo{
		Width:  c.Width,
		Height: c.Height,
		Format: c.Format,
		Usage:  protocol.UsageRenderAttachment,
		Scale:  c.Scale,
	}
}

// String returns a formatted summary for the startup log.
func (c Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-18s: %s\n", name, value))
	}

	addSection("Transport")
	addField("Kind", c.Transport.String())
	addField("Endpoint", c.Endpoint)
	if len(c.Passkey) > 0 {
		addField("Passkey", "set")
	} else {
		addField("Passkey", "none")
	}

	addSection("Buffers")
	addField("Chunk Ceiling", fmt.Sprintf("%d bytes", c.ChunkCeiling))
	addField("Outbound Buffer", fmt.Sprintf("%d bytes", c.OutboundSize))

	addSection("Display")
	addField("Frame Rate", fmt.Sprintf("%d fps", c.FPS))
	addField("Framebuffer", fmt.Sprintf("%dx%d %s", c.Width, c.Height, c.Format))
	addField("Scale", fmt.Sprintf("%d.%d%%", c.Scale/10, c.Scale%10))

	addSection("Render")
	addField("Reconnect Delay", c.ReconnectDelay.String())
	addField("Batch Size", fmt.Sprintf("%d bytes", c.BatchSize))

	addSection("Observability")
	addField("Log Level", c.LogLevel)
	addField("Trace", fmt.Sprintf("%t", c.Trace))
	if c.MetricsAddr != "" {
		addField("Metrics", c.MetricsAddr)
	} else {
		addField("Metrics", "disabled")
	}
	addField("Status Interval", c.StatusInterval.String())

	return sb.String()
}
