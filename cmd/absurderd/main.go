package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/npiesco/absurder/internal/config"
	"github.com/npiesco/absurder/internal/hostenv"
	"github.com/npiesco/absurder/internal/kv"
)

var (
	dataDir    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "absurderd",
	Short: "Exercise the absurder storage engine from the command line",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory holding the bolt-backed KV store")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON instead of text")

	rootCmd.AddCommand(openCmd, execCmd, exportCmd, importCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".absurderd"
	}
	return filepath.Join(home, ".absurderd")
}

// openBackend opens the bbolt-backed KV store under dataDir, creating the
// directory if absent.
func openBackend() (kv.Backend, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return kv.OpenBoltBackend(filepath.Join(dataDir, "absurder.db"))
}

// localHost is the Host used by every command except serve, which runs a
// Networked host so multiple absurderd processes can coordinate.
func localHost() hostenv.Host {
	return hostenv.NewLocal(nil)
}

func defaultConfig() config.Config {
	return config.Default()
}
