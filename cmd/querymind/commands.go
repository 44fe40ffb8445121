package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/IM-26-AI/QueryMind/pkg/api"
	"github.com/IM-26-AI/QueryMind/pkg/evidence"
	"github.com/IM-26-AI/QueryMind/pkg/executor"
	"github.com/IM-26-AI/QueryMind/pkg/gate"
	"github.com/IM-26-AI/QueryMind/pkg/pipeline"
	"github.com/IM-26-AI/QueryMind/pkg/schemaindex"
)

func askCmd() *cobra.Command {
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question about the database",
		Long: `Looks up the relevant tables, generates a SELECT, validates it
	(repairing it up to 3 times), runs it read-only and summarizes the rows.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, runErr := a.orchestrator.Run(ctx, args[0])
			if jsonFlag {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
				return runErr
			}

			printResult(cmd.OutOrStdout(), result)
			return runErr
		},
	}

	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print the full result as JSON")
	return cmd
}

func printResult(w io.Writer, result *pipeline.Result) {
	if result == nil {
		return
	}
	if result.Summary != "" {
		fmt.Fprintf(w, "%s\n\n", result.Summary)
	}
	if result.SQLQuery != "" {
		fmt.Fprintf(w, "SQL:\n%s\n\n", result.SQLQuery)
	}
	if result.Status == pipeline.StatusSuccess {
		printRecords(w, result.Results)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	if result.RetryCount > 0 {
		fmt.Fprintf(w, "repaired %d time(s)\n", result.RetryCount)
	}
	if result.EvidenceDir != "" {
		fmt.Fprintf(w, "evidence: %s\n", result.EvidenceDir)
	}
}

func printRecords(w io.Writer, records []executor.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "(no rows)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(records[0].Columns, "\t")))
	for _, rec := range records {
		cells := make([]string, len(rec.Values))
		for i, v := range rec.Values {
			if v == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
	fmt.Fprintf(w, "(%d rows)\n", len(records))
}

func indexCmd() *cobra.Command {
	var ddlFile string

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the schema index",
		Long: `Indexes one document per table. By default tables are read from
	information_schema of the configured database; --ddl indexes the
	CREATE TABLE statements of a SQL script instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			var docs []schemaindex.Document
			if ddlFile != "" {
				script, err := os.ReadFile(ddlFile)
				if err != nil {
					return err
				}
				docs = schemaindex.DDLDocuments(string(script), cfg.Index.Descriptions)
				if len(docs) == 0 {
					return fmt.Errorf("no CREATE TABLE statements found in %s", ddlFile)
				}
			} else {
				db, err := openDB(cfg)
				if err != nil {
					return err
				}
				defer db.Close()
				docs, err = schemaindex.NewIntrospector(db.Bun(), cfg.Index.Schema, cfg.Index.Descriptions).Documents(ctx)
				if err != nil {
					return err
				}
			}

			if err := store.Upsert(ctx, docs...); err != nil {
				return err
			}
			total, err := store.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d table(s); %d in index at %s\n", len(docs), total, cfg.Index.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&ddlFile, "ddl", "", "index CREATE TABLE statements from a .sql file")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [sql]",
		Short: "Run the read-only SQL gate on a statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g := gate.NewSQLGate(nil)
			result := g.Evaluate(args[0])

			out := cmd.OutOrStdout()
			if result.Passed {
				fmt.Fprintf(out, "PASS %s\n%s\n", result.Statement, result.SQL)
				return nil
			}
			for _, v := range result.Violations {
				fmt.Fprintf(out, "FAIL [%s] %s\n", v.Rule, v.Message)
			}
			return fmt.Errorf("statement rejected by %s", g.Name())
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [run-dir]",
		Short: "Verify the signed manifest of an evidence bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m, err := evidence.Verify(args[0], cfg.KeyDir())
			if err != nil {
				return fmt.Errorf("verify %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK run %s: %d file(s), key %s\n",
				m.RunID, len(m.Hashes), m.Signature.PubKeyID)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.ServerAddr
			}
			handler := api.NewQueryHandler(a.orchestrator, a.db, logger)
			srv := &http.Server{
				Addr:              addr,
				Handler:           api.SetupRoutes(handler, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", zap.String("addr", addr))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			logger.Info("shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8080)")
	return cmd
}

func modelsCmd() *cobra.Command {
	var validateFlag bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List adapters, models and aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if validateFlag {
				errs := cfg.Aliases.ValidateRoutingConfig(cfg.Routing)
				for _, e := range errs {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %v\n", e)
				}
				if len(errs) > 0 {
					return fmt.Errorf("%d routing error(s)", len(errs))
				}
				fmt.Fprintln(cmd.OutOrStdout(), "routing config is valid")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODELS\tSTATUS")
			for _, provider := range cfg.Aliases.ListProviders() {
				status := "no key"
				if cfg.HasAdapter(provider) {
					status = "ready"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", provider, strings.Join(cfg.Aliases.GetProviderModels(provider), ", "), status)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "ROLE\tADAPTER\tMODEL")
			fmt.Fprintf(w, "generate\t%s\t%s\n", cfg.Routing.Generate.Adapter, cfg.Aliases.Resolve(cfg.Routing.Generate.Model))
			fmt.Fprintf(w, "narrate\t%s\t%s\n", cfg.Routing.Narrate.Adapter, cfg.Aliases.Resolve(cfg.Routing.Narrate.Model))
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&validateFlag, "validate", false, "check that routed models are known")
	return cmd
}
