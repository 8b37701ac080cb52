package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"marl-mappo/internal/history"
	"marl-mappo/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored run histories over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := loggerFrom(cmd)
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("redis")
			db, _ := cmd.Flags().GetInt("redis-db")
			listen, _ := cmd.Flags().GetString("listen")

			store := history.NewRedis(addr, os.Getenv("MAPPO_REDIS_PASSWORD"), db)
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.ListenAndServe(ctx, listen, server.NewHandler(&server.Server{
				Store:  store,
				Logger: logger,
			}), logger)
		},
	}
	cmd.Flags().String("redis", getenv("MAPPO_REDIS_ADDR", "localhost:6379"), "Redis address holding run histories")
	cmd.Flags().Int("redis-db", getenvInt("MAPPO_REDIS_DB", 0), "Redis database index")
	cmd.Flags().String("listen", getenv("MAPPO_LISTEN", ":9001"), "HTTP listen address")
	return cmd
}
