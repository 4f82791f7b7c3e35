package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/chronologos/gpuwire/internal/auth"
	"github.com/chronologos/gpuwire/internal/protocol"
	"github.com/chronologos/gpuwire/internal/transport"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return Load(NewViper(), fs)
}

func TestDefaults(t *testing.T) {
	c, err := load(t)
	if err != nil {
		t.Fatal(err)
	}
	if c.Transport != transport.KindUnix || c.Endpoint != "gpuwire.sock" {
		t.Fatalf("transport: %v %q", c.Transport, c.Endpoint)
	}
	if c.ChunkCeiling != protocol.DefaultChunkCeiling {
		t.Fatalf("ceiling: %d", c.ChunkCeiling)
	}
	if c.FrameInterval() != 100*time.Millisecond {
		t.Fatalf("frame interval: %v", c.FrameInterval())
	}
	info := c.FramebufferInfo()
	if info.Width != 640 || info.Height != 480 || info.Format != protocol.PixelFormatBGRA8Unorm || info.Scale != protocol.ScaleUnity {
		t.Fatalf("framebuffer: %+v", info)
	}
}

func TestFlagsOverrideDefaults(t *testing.T) {
	c, err := load(t, "--transport=tcp", "--endpoint=127.0.0.1:7000", "--chunk-ceiling=262144", "--fps=60", "--format=rgba16float")
	if err != nil {
		t.Fatal(err)
	}
	if c.Transport != transport.KindTCP || c.Endpoint != "127.0.0.1:7000" {
		t.Fatalf("transport: %v %q", c.Transport, c.Endpoint)
	}
	if c.ChunkCeiling != 262144 || c.FPS != 60 || c.Format != protocol.PixelFormatRGBA16Float {
		t.Fatalf("got %+v", c)
	}
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("GPUWIRE_CHUNK_CEILING", "4096")
	t.Setenv("GPUWIRE_LOG_LEVEL", "debug")
	c, err := load(t)
	if err != nil {
		t.Fatal(err)
	}
	if c.ChunkCeiling != 4096 || c.LogLevel != "debug" {
		t.Fatalf("got ceiling=%d level=%s", c.ChunkCeiling, c.LogLevel)
	}
}

func TestFlagBeatsEnvironment(t *testing.T) {
	t.Setenv("GPUWIRE_FPS", "30")
	c, err := load(t, "--fps=5")
	if err != nil {
		t.Fatal(err)
	}
	if c.FPS != 5 {
		t.Fatalf("fps: %d", c.FPS)
	}
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("GPUWIRE_WIDTH=1920\nGPUWIRE_HEIGHT=1080\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GPUWIRE_WIDTH", "")
	os.Unsetenv("GPUWIRE_WIDTH")
	t.Setenv("GPUWIRE_HEIGHT", "")
	os.Unsetenv("GPUWIRE_HEIGHT")

	LoadEnvFiles(path, filepath.Join(dir, "missing.env"))
	c, err := load(t)
	if err != nil {
		t.Fatal(err)
	}
	if c.Width != 1920 || c.Height != 1080 {
		t.Fatalf("size: %dx%d", c.Width, c.Height)
	}
}

func TestPasskey(t *testing.T) {
	if _, err := load(t, "--transport=quic", "--endpoint=127.0.0.1:7000"); err == nil || !strings.Contains(err.Error(), "passkey") {
		t.Fatalf("quic without passkey: %v", err)
	}
	if _, err := load(t, "--passkey=zz"); err == nil {
		t.Fatal("bad hex accepted")
	}

	key, err := auth.GeneratePasskey()
	if err != nil {
		t.Fatal(err)
	}
	c, err := load(t, "--transport=dual", "--endpoint=127.0.0.1:7000", "--passkey="+auth.EncodePasskey(key))
	if err != nil {
		t.Fatal(err)
	}
	if string(c.Passkey) != string(key) {
		t.Fatal("passkey mismatch")
	}
	if strings.Contains(c.String(), auth.EncodePasskey(key)) {
		t.Fatal("String leaks the passkey")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ceiling", func(c *Config) { c.ChunkCeiling = 0 }},
		{"huge ceiling", func(c *Config) { c.ChunkCeiling = protocol.MaxChunkCeiling + 1 }},
		{"tiny outbound", func(c *Config) { c.OutboundSize = 4 }},
		{"zero fps", func(c *Config) { c.FPS = 0 }},
		{"zero width", func(c *Config) { c.Width = 0 }},
		{"zero scale", func(c *Config) { c.Scale = 0 }},
		{"no endpoint", func(c *Config) { c.Endpoint = "" }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"zero reconnect", func(c *Config) { c.ReconnectDelay = 0 }},
		{"batch over ceiling", func(c *Config) { c.BatchSize = c.ChunkCeiling + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestUnknownFormat(t *testing.T) {
	if _, err := load(t, "--format=cmyk"); err == nil {
		t.Fatal("expected error")
	}
}

func TestString(t *testing.T) {
	s := Defaults().String()
	for _, want := range []string{"TRANSPORT", "BUFFERS", "131072 bytes", "640x480 bgra8unorm", "100.0%"} {
		if !strings.Contains(s, want) {
			t.Fatalf("String missing %q:\n%s", want, s)
		}
	}
}
