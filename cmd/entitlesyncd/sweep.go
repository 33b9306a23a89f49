package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/PaulFidika/entitlesync/config"
	"github.com/PaulFidika/entitlesync/core"
	"github.com/PaulFidika/entitlesync/logging"
)

var sweepBatch int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := logging.New(cfg.LogLevel, cfg.LogFormat)
		log.SetOutput(cmd.ErrOrStderr())

		b, err := openBackend(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer b.Close()

		batch := cfg.SweepBatch
		if sweepBatch > 0 {
			batch = sweepBatch
		}
		svc := core.NewService(b.store, core.Options{Cache: b.cache, Logger: log})
		res, err := svc.SweepExpired(cmd.Context(), batch)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		return enc.Encode(res)
	},
}

func init() {
	sweepCmd.Flags().IntVar(&sweepBatch, "batch", 0, "maximum users to examine (default SWEEP_BATCH)")
}
