package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tracklake/tracklake/config"
	"github.com/tracklake/tracklake/core"
	"github.com/tracklake/tracklake/lake"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tracklake",
		Short: "Incremental parquet store for music play history",
		Long: "tracklake keeps listening history and its enrichment tables as parquet files,\n" +
			"merges incoming batches without rewriting history, and reports which entities\n" +
			"still need external metadata lookups.",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), queryCmd(), tablesCmd(), infoCmd(), missingCmd(), countCmd())
	return root
}

// openLake builds and initializes a lake from the effective config.
func openLake(cfg *config.Config) (*lake.Lake, error) {
	l := lake.New(cfg.DataDir,
		lake.WithEntities(lake.DefaultEntities(cfg.Gaps.RecencyWindow)),
		lake.WithStrictIdentity(cfg.Write.StrictIdentity),
		lake.WithMetrics(lake.NewMetrics()),
	)
	if err := l.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize lake: %w", err)
	}
	return l, nil
}

func rootCtx() context.Context {
	return core.WithDefaultLogger(context.Background(), "main")
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and FlightSQL servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := rootCtx()

			l, err := openLake(cfg)
			if err != nil {
				return err
			}

			server, err := lake.NewServer(l)
			if err != nil {
				return err
			}
			defer server.Close()

			core.Infof(ctx, "tracklake server running at http://localhost:%d", cfg.Server.Port)
			go func() {
				err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.Port), server.Router())
				if err != nil {
					core.Errorf(ctx, "HTTP server failed: %v", err)
					os.Exit(1)
				}
			}()

			core.Infof(ctx, "FlightSQL server running on port %d", cfg.Server.FlightPort)
			return lake.StartFlightSQLServer(cfg.Server.FlightPort, l)
		},
	}
}

func queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql>",
		Short: "Execute a single query and print the rows as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			l, err := openLake(cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			results, err := l.Query(rootCtx(), args[0])
			if err != nil {
				return err
			}
			return printJSON(lake.ProcessResultsForJSON(results))
		},
	}
}

func tablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List the tables in the lake",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			l, err := openLake(cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			results, err := l.Query(rootCtx(), "SHOW TABLES")
			if err != nil {
				return err
			}
			for _, row := range results {
				if name, ok := row["table_name"].(string); ok {
					fmt.Println(name)
				}
			}
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <table>",
		Short: "Show a table's schema and row count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			l, err := openLake(cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			info, err := l.TableInfo(rootCtx(), args[0])
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
}

func missingCmd() *cobra.Command {
	var (
		limit     int
		offset    int
		countOnly bool
	)
	cmd := &cobra.Command{
		Use:   "missing <entity>",
		Short: "List entities in the play history that lack enrichment data",
		Long: "Entity types: artists, albums, mbz_artists, cities.\n" +
			"With --count only the number of missing entities is printed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			l, err := openLake(cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			ctx := rootCtx()
			if countOnly {
				count, err := l.CountMissing(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(count)
				return nil
			}

			if limit == 0 {
				limit = cfg.Gaps.DefaultBatch
			}
			records, err := l.Missing(ctx, args[0], lake.GapOptions{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			rows := make([]map[string]interface{}, len(records))
			for i, rec := range records {
				rows[i] = map[string]interface{}(rec)
			}
			return printJSON(lake.ProcessResultsForJSON(rows))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entities to return (default from config)")
	cmd.Flags().IntVar(&offset, "offset", 0, "entities to skip before returning results")
	cmd.Flags().BoolVar(&countOnly, "count", false, "print only the count of missing entities")
	return cmd
}

func countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count <entity>",
		Short: "Count entities that lack enrichment data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			l, err := openLake(cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			count, err := l.CountMissing(rootCtx(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(count)
			return nil
		},
	}
}
