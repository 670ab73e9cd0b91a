package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/npiesco/absurder"
)

var exportCmd = &cobra.Command{
	Use:   "export <name> <file>",
	Short: "Export name to a byte-exact SQLite file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, path := args[0], args[1]
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

		data, err := h.ExportToFile(ctx)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("exported %q to %s (%d bytes)\n", name, path, len(data))
		return nil
	},
}
