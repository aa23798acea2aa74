package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"changealerts/internal/config"
	"changealerts/internal/shared"
)

var cfg = &config.Admin{}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "alertctl",
		Short: "Manage table change alert rules",
		Long: `alertctl validates and compiles conditional logic, creates, updates and deletes
table change alert rules together with their database triggers, and shows listener metrics.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			shared.SetupLogging()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.PostgresDSN, "postgres-dsn", shared.GetEnvOrDefault("POSTGRES_DSN", ""), "PostgreSQL connection string")
	flags.StringVar(&cfg.KafkaBrokers, "kafka-brokers", shared.GetEnvOrDefault("KAFKA_BROKERS", ""), "Kafka brokers for topic checks and rule change announcements")
	flags.StringVar(&cfg.ControlTopic, "control-topic", config.DefaultControlTopic, "Topic rule changes are announced on")
	flags.StringVar(&cfg.CatalogPath, "catalog", shared.GetEnvOrDefault("MODEL_CATALOG", ""), "Model catalog YAML file")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", shared.GetEnvOrDefault("REDIS_ADDR", "localhost:6379"), "Redis address listener metrics are read from")

	rootCmd.AddCommand(
		newValidateLogicCmd(),
		newCompileCmd(),
		newCreateCmd(),
		newUpdateCmd(),
		newDeleteCmd(),
		newListCmd(),
		newSyncTriggersCmd(),
		newShowTriggerCmd(),
		newMetricsCmd(),
	)
	return rootCmd
}
