package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/npiesco/absurder"
)

var importCmd = &cobra.Command{
	Use:   "import <name> <file>",
	Short: "Import a SQLite file into name, replacing its current contents",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, path := args[0], args[1]
		ctx := context.Background()

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

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

		if err := h.ImportFromFile(ctx, data); err != nil {
			return err
		}
		fmt.Printf("imported %s into %q\n", path, name)
		return nil
	},
}
