package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	redisURL    string
	databaseURL string
}

func newRootCmd() *cobra.Command {
	_ = godotenv.Load(".env.agent")

	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "issuesyncctl",
		Short:         "Operate an issuesync deployment",
		Long:          "issuesyncctl enqueues activities on the intake stream and inspects the durable dedup state of an issuesync agent.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&opts.redisURL, "redis-url", envOr("REDIS_URL", "redis://localhost:6379/0"), "redis connection url")
	rootCmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "postgres connection url")

	rootCmd.AddCommand(
		newEnqueueCmd(opts),
		newStatusCmd(opts),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
