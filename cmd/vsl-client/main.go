// vsl-client runs a standalone VideoStream Client: it connects to the
// configured socket, waits for frames, logs what it received and, when
// --hold-lock is non-zero, locks each one for that long to exercise the
// lock/unlock exchange. It exists to
// exercise pkg/client end-to-end and as a reference for embedding Client in
// a real consumer process.
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

	"github.com/EdgeFirstAI/videostream/pkg/client"
	"github.com/EdgeFirstAI/videostream/pkg/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("vsl-client exited with error")
		os.Exit(1)
	}
}

type clientOptions struct {
	socketPath string
	reconnect  bool
	holdLock   time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &clientOptions{reconnect: true, holdLock: 0}

	cmd := &cobra.Command{
		Use:   "vsl-client",
		Short: "Connect to a VideoStream Host and log received frames.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runClient(opts)
		},
	}

	cmd.Flags().StringVar(&opts.socketPath, "socket", "", "socket path override (defaults to VSL_SOCKET)")
	cmd.Flags().BoolVar(&opts.reconnect, "reconnect", opts.reconnect, "reconnect on Host restart")
	cmd.Flags().DurationVar(&opts.holdLock, "hold-lock", opts.holdLock, "duration to TryLock each frame before Unlock (0 skips locking)")

	return cmd
}

func runClient(opts *clientOptions) error {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.socketPath != "" {
		cfg.SocketPath = opts.socketPath
	}
	cfg.Reconnect = opts.reconnect

	c, err := client.New(cfg, log.Logger, cfg.Reconnect)
	if err != nil {
		return err
	}
	defer c.Close()

	log.Info().Str("socket", cfg.SocketPath).Bool("reconnect", cfg.Reconnect).Msg("client connected")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for ctx.Err() == nil {
		fr, err := c.WaitFrame(0)
		if err != nil {
			log.Warn().Err(err).Msg("wait_frame failed")
			continue
		}

		info := fr.Info()
		log.Info().
			Int64("serial", info.Serial).
			Int32("width", info.Width).
			Int32("height", info.Height).
			Int64("size", info.Size).
			Msg("frame received")

		if opts.holdLock > 0 {
			if err := fr.TryLock(); err != nil {
				log.Warn().Err(err).Msg("try_lock failed")
			} else {
				time.Sleep(opts.holdLock)
				if err := fr.Unlock(); err != nil {
					log.Warn().Err(err).Msg("unlock failed")
				}
			}
		}

		if err := fr.Release(); err != nil {
			log.Warn().Err(err).Msg("release failed")
		}
	}

	return nil
}
