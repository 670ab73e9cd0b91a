package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/npiesco/absurder"
)

var openCmd = &cobra.Command{
	Use:   "open <name>",
	Short: "Open (creating if absent) a database and print its stats",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		ctx := context.Background()

		backend, err := openBackend()
		if err != nil {
			return err
		}
		defer backend.Close()
		host := localHost()
		defer host.Close()

		eng := absurder.New(backend, host, defaultConfig())
		h, err := eng.NewDatabase(ctx, name)
		if err != nil {
			return err
		}
		defer h.Close()

		stats, err := h.Stats(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			b, _ := json.Marshal(stats)
			fmt.Println(string(b))
			return nil
		}
		fmt.Printf("opened %q: %d pages, %d cache hits, %d cache misses, %d wal bytes\n",
			name, stats.PageCount, stats.CacheHits, stats.CacheMisses, stats.WALBytes)
		return nil
	},
}
