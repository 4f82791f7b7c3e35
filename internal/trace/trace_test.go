package trace

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello", "hello"},
		{"hello\nworld", `hello\nworld`},
		{"a b\tc\r", `a\sb\tc\r`},
		{`say "hi"`, `say\s\"hi\"`},
		{"\x00\x7f\xff", `\x00\x7F\xFF`},
		{"D\x00\x00\x00\x05", `D\x00\x00\x00\x05`},
	}
	for _, tt := range tests {
		if got := Escape([]byte(tt.in)); got != tt.want {
			t.Fatalf("Escape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEscapeWraps(t *testing.T) {
	out := Escape(bytes.Repeat([]byte{'a'}, 200))
	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	for i, l := range lines[:2] {
		if len(l) != LineWidth {
			t.Fatalf("line %d: %d columns", i, len(l))
		}
	}
}

func TestDigestStable(t *testing.T) {
	a := Digest([]byte("draw"))
	if len(a) != 16 {
		t.Fatalf("digest length %d", len(a))
	}
	if a != Digest([]byte("draw")) || a == Digest([]byte("drew")) {
		t.Fatal("digest must be deterministic and content-sensitive")
	}
}

func TestTracer(t *testing.T) {
	var nilTracer *Tracer
	nilTracer.Bytes("in", []byte("x"))
	nilTracer.Chunk("in", []byte("x"))
	if New(nil, false) != nil {
		t.Fatal("disabled tracer should be nil")
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tr := New(logger, true)
	tr.Max = 4
	tr.Bytes("out", []byte("F hello"))
	tr.Chunk("in", []byte("payload"))

	out := buf.String()
	for _, want := range []string{`bytes="F\\she..."`, "blake3=" + Digest([]byte("payload")), "component=trace"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %q:\n%s", want, out)
		}
	}
}
