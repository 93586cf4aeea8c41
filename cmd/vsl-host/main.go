// vsl-host runs a standalone VideoStream Host: it binds the configured
// socket, accepts any number of Clients, and broadcasts synthetic frames
// allocated through the allocator shim at a fixed rate. It exists to
// exercise pkg/host end-to-end and as a reference for embedding Host in a
// real producer process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/EdgeFirstAI/videostream/pkg/clock"
	"github.com/EdgeFirstAI/videostream/pkg/config"
	"github.com/EdgeFirstAI/videostream/pkg/frame"
	"github.com/EdgeFirstAI/videostream/pkg/host"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("vsl-host exited with error")
		os.Exit(1)
	}
}

type hostOptions struct {
	socketPath string
	fps        int
	width      int
	height     int
	ttl        time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &hostOptions{fps: 30, width: 640, height: 480, ttl: 200 * time.Millisecond}

	cmd := &cobra.Command{
		Use:   "vsl-host",
		Short: "Run a VideoStream Host broadcasting synthetic frames.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHost(opts)
		},
	}

	cmd.Flags().StringVar(&opts.socketPath, "socket", "", "socket path override (defaults to VSL_SOCKET)")
	cmd.Flags().IntVar(&opts.fps, "fps", opts.fps, "synthetic frame rate")
	cmd.Flags().IntVar(&opts.width, "width", opts.width, "synthetic frame width")
	cmd.Flags().IntVar(&opts.height, "height", opts.height, "synthetic frame height")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", opts.ttl, "frame time-to-live before expiry")

	return cmd
}

func runHost(opts *hostOptions) error {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.socketPath != "" {
		cfg.SocketPath = opts.socketPath
	}

	h, err := host.New(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer h.Release()

	log.Info().Str("socket", cfg.SocketPath).Msg("host listening")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(time.Second / time.Duration(opts.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return nil
		case <-ticker.C:
			if _, err := h.Poll(0); err != nil {
				log.Warn().Err(err).Msg("poll failed")
			}
			if err := h.Process(); err != nil {
				log.Warn().Err(err).Msg("process failed")
			}
			if err := postSyntheticFrame(h, opts); err != nil {
				log.Warn().Err(err).Msg("post failed")
			}
		}
	}
}

func postSyntheticFrame(h *host.Host, opts *hostOptions) error {
	fr, err := frame.New(int32(opts.width), int32(opts.height), frame.FourCCRGBA, 0)
	if err != nil {
		return err
	}
	if err := fr.Alloc(""); err != nil {
		return err
	}

	now := clock.Now()
	return h.Post(fr, now+int64(opts.ttl), int64(time.Second/30), now, now)
}
