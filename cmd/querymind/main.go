package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/IM-26-AI/QueryMind/pkg/logging"
)

var (
	configFile  string
	adapterFlag string
	modelFlag   string
	debugFlag   bool

	logger = zap.NewNop()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "querymind",
		Short: "Ask questions about a PostgreSQL database in plain language",
		Long: `QueryMind turns a question into a read-only SQL query, validates it,
	repairs it when the model produces unsafe or malformed SQL, runs it and
	summarizes the rows.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logging.New(debugFlag)
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ~/.querymind/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&adapterFlag, "adapter", "", "override the generation adapter")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "override the generation model or alias")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(modelsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
