package main

import (
	"context"

	"github.com/mohammad-safakhou/newser-intel/config"
	"github.com/mohammad-safakhou/newser-intel/internal/runtime"
	srv "github.com/mohammad-safakhou/newser-intel/internal/server"
	"github.com/mohammad-safakhou/newser-intel/internal/store"
	"github.com/spf13/cobra"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var migrateFirst bool
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			if migrateFirst && cfg.Storage.Postgres.Enabled() {
				if err := store.Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
					return err
				}
			}

			ctx, cancel := runtime.SignalContext(context.Background(), "serve")
			defer cancel()
			rt, err := runtime.Build(ctx, cfg, runtime.Options{})
			if err != nil {
				return err
			}
			defer rt.Close()
			return srv.Run(ctx, rt)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().BoolVar(&migrateFirst, "migrate", false, "apply database migrations before serving")

	return serve
}
