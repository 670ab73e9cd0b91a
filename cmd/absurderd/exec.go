package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/npiesco/absurder"
)

var execCmd = &cobra.Command{
	Use:   "exec <name> <sql>",
	Short: "Open name and execute one SQL statement against it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, sql := args[0], args[1]
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

		res, err := h.Execute(ctx, sql)
		if err != nil {
			return err
		}

		if jsonOutput {
			b, _ := json.Marshal(res)
			fmt.Println(string(b))
			return nil
		}
		if len(res.Columns) > 0 {
			fmt.Println(res.Columns)
			for _, row := range res.Rows {
				fmt.Println(row)
			}
			return nil
		}
		fmt.Printf("rows_affected=%d last_insert_id=%d\n", res.RowsAffected, res.LastInsertID)
		return nil
	},
}
