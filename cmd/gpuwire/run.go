package main

import (
	"github.com/spf13/cobra"

	"github.com/chronologos/gpuwire/internal/display"
	"github.com/chronologos/gpuwire/internal/metrics"
	"github.com/chronologos/gpuwire/internal/render"
	"github.com/chronologos/gpuwire/internal/trace"
)

var displayCmd = &cobra.Command{
	Use:   "display",
	Short: "Own the framebuffer and accept one renderer at a time",
	Long: `Listen on --endpoint, announce the framebuffer to each renderer that
connects and send a frame signal every 1/--fps seconds. A new renderer
replaces the current one.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext()
		defer stop()

		reg := metrics.New("display")
		serveMetrics(ctx, reg)

		d := display.New(display.Config{
			Transport:      cfg.Transport,
			Endpoint:       cfg.Endpoint,
			Passkey:        cfg.Passkey,
			Info:           cfg.FramebufferInfo(),
			FrameInterval:  cfg.FrameInterval(),
			StatusInterval: cfg.StatusInterval,
			Ceiling:        cfg.ChunkCeiling,
			OutboundSize:   cfg.OutboundSize,
			Logger:         logger,
			Metrics:        reg,
			Tracer:         trace.New(logger, cfg.Trace),
		})
		return exitErr(d.Run(ctx))
	},
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Connect to a display and answer each frame with a command batch",
	Long: `Dial --endpoint, reserve the display's swapchain and answer every frame
signal with a --batch-size command batch. Frames that arrive while the
previous batch is still being written are skipped. Lost connections are
retried every --reconnect-delay.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext()
		defer stop()

		reg := metrics.New("render")
		serveMetrics(ctx, reg)

		r := render.New(render.Config{
			Transport:      cfg.Transport,
			Endpoint:       cfg.Endpoint,
			Passkey:        cfg.Passkey,
			ReconnectDelay: cfg.ReconnectDelay,
			StatusInterval: cfg.StatusInterval,
			Ceiling:        cfg.ChunkCeiling,
			OutboundSize:   cfg.OutboundSize,
			Producer:       &render.PatternProducer{Size: cfg.BatchSize},
			Logger:         logger,
			Metrics:        reg,
			Tracer:         trace.New(logger, cfg.Trace),
		})
		return exitErr(r.Run(ctx))
	},
}
