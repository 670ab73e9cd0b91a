package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/npiesco/absurder"
	"github.com/npiesco/absurder/internal/hostenv"
)

var (
	serveNATSPort int
	serveBoltPath string
)

var serveCmd = &cobra.Command{
	Use:   "serve <name>",
	Short: "Run a networked peer for name, coordinating with other absurderd serve processes over NATS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		backend, err := openBackend()
		if err != nil {
			return err
		}
		defer backend.Close()

		boltPath := serveBoltPath
		if boltPath == "" {
			boltPath = filepath.Join(dataDir, "absurder-host.db")
		}
		host, err := hostenv.NewNetworked(hostenv.NetworkedOptions{BoltPath: boltPath, NATSPort: serveNATSPort})
		if err != nil {
			return err
		}
		defer host.Close()

		eng := absurder.New(backend, host, defaultConfig())
		h, err := eng.NewDatabase(ctx, name)
		if err != nil {
			return err
		}
		defer h.Close()

		fmt.Printf("serving %q, is_leader=%v (ctrl-c to stop)\n", name, h.IsLeader())
		<-ctx.Done()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&serveNATSPort, "nats-port", 0, "NATS port for the embedded broadcast server (0 uses the NATS default 4222, -1 picks a random free port)")
	serveCmd.Flags().StringVar(&serveBoltPath, "leader-bolt-path", "", "bbolt file backing the shared leader/heartbeat slots (defaults under --data-dir)")
}
