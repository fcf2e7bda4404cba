// saga-admin inspects saga instances directly in the store.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	saga "github.com/grafikui/saga-orchestrator-go"
	"github.com/grafikui/saga-orchestrator-go/internal/config"
	"github.com/grafikui/saga-orchestrator-go/redisstore"
)

const commandTimeout = 30 * time.Second

type storeFlags struct {
	driver      string
	databaseURL string
	table       string
	redisAddr   string
	redisPrefix string
}

// storeOpener returns a store and a cleanup function.
type storeOpener func(f *storeFlags) (saga.Store, func(), error)

func main() {
	if err := newRootCmd(openStore).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(open storeOpener) *cobra.Command {
	flags := &storeFlags{}
	root := &cobra.Command{
		Use:          "saga-admin",
		Short:        "Inspect saga instances",
		SilenceUsage: true,
		Example: `  saga-admin --db "postgres://localhost/sagas" list --state FAILED
  saga-admin --store redis --redis-addr localhost:6379 show 6f1c...
  saga-admin stats`,
	}
	root.PersistentFlags().StringVar(&flags.driver, "store", config.GetEnv("STORE_DRIVER", config.StorePostgres), "store driver: postgres or redis")
	root.PersistentFlags().StringVar(&flags.databaseURL, "db", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	root.PersistentFlags().StringVar(&flags.table, "table", config.GetEnv("SAGA_TABLE", "saga_instances"), "saga instance table")
	root.PersistentFlags().StringVar(&flags.redisAddr, "redis-addr", config.GetEnv("REDIS_ADDR", "localhost:6379"), "Redis address")
	root.PersistentFlags().StringVar(&flags.redisPrefix, "redis-prefix", "saga:", "Redis key prefix")

	withStore := func(run func(ctx context.Context, store saga.Store, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := open(flags)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			return run(ctx, store, cmd.OutOrStdout(), args)
		}
	}

	root.AddCommand(
		newListCmd(withStore),
		newShowCmd(withStore),
		newStatsCmd(withStore),
		newFailedCmd(withStore),
	)
	return root
}

type runWithStore func(run func(ctx context.Context, store saga.Store, out io.Writer, args []string) error) func(*cobra.Command, []string) error

func newListCmd(withStore runWithStore) *cobra.Command {
	var (
		sagaType string
		states   []string
		limit    int
		offset   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saga instances, newest first",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&sagaType, "type", "", "filter by saga type")
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by lifecycle state (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset for pagination")

	cmd.RunE = withStore(func(ctx context.Context, store saga.Store, out io.Writer, _ []string) error {
		filter := saga.InstanceFilter{SagaType: sagaType, Limit: limit, Offset: offset}
		for _, s := range states {
			state := saga.LifecycleState(strings.ToUpper(s))
			if !state.Valid() {
				return fmt.Errorf("unknown state %q", s)
			}
			filter.States = append(filter.States, state)
		}

		result, err := store.Query(ctx, filter)
		if err != nil {
			return fmt.Errorf("query instances: %w", err)
		}
		if len(result.Instances) == 0 {
			fmt.Fprintln(out, "No saga instances found.")
			return nil
		}

		fmt.Fprintf(out, "Showing %d of %d instances:\n\n", len(result.Instances), result.Total)
		fmt.Fprintf(out, "%-36s %-16s %-15s %-5s %-20s\n", "ID", "TYPE", "STATE", "STEP", "UPDATED")
		fmt.Fprintln(out, strings.Repeat("-", 96))
		for _, inst := range result.Instances {
			fmt.Fprintf(out, "%-36s %-16s %-15s %-5d %-20s\n",
				truncate(inst.ID, 36),
				truncate(inst.SagaType, 16),
				inst.State,
				inst.CurrentStep,
				inst.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return nil
	})
	return cmd
}

func newShowCmd(withStore runWithStore) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <saga-id>",
		Short: "Show one saga instance",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw instance as JSON")

	cmd.RunE = withStore(func(ctx context.Context, store saga.Store, out io.Writer, args []string) error {
		inst, err := store.Load(ctx, args[0])
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(inst)
		}

		fmt.Fprintf(out, "Saga:        %s\n", inst.ID)
		fmt.Fprintf(out, "Type:        %s\n", inst.SagaType)
		fmt.Fprintf(out, "Key:         %s\n", inst.IdempotencyKey)
		fmt.Fprintf(out, "State:       %s\n", inst.State)
		fmt.Fprintf(out, "Step:        %d\n", inst.CurrentStep)
		fmt.Fprintf(out, "Version:     %d\n", inst.Version)
		fmt.Fprintf(out, "Created:     %s\n", inst.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "Updated:     %s\n", inst.UpdatedAt.Format(time.RFC3339))
		if inst.Deadline != nil {
			fmt.Fprintf(out, "Deadline:    %s\n", inst.Deadline.Format(time.RFC3339))
		}
		if inst.CommandID != "" {
			fmt.Fprintf(out, "Command:     %s (attempt %d)\n", inst.CommandID, inst.Attempt)
		}

		if len(inst.Payload) > 0 {
			fmt.Fprintln(out, "\nPayload:")
			pretty, _ := json.MarshalIndent(inst.Payload, "  ", "  ")
			fmt.Fprintf(out, "  %s\n", pretty)
		}

		if f := inst.Failure; f != nil {
			fmt.Fprintln(out, "\nFailure:")
			fmt.Fprintf(out, "  Kind:      %s\n", f.Kind)
			fmt.Fprintf(out, "  Step:      %d\n", f.Step)
			if f.ReplyType != "" {
				fmt.Fprintf(out, "  Reply:     %s\n", f.ReplyType)
			}
			fmt.Fprintf(out, "  Error:     %s\n", f.Error)
			fmt.Fprintf(out, "  Timestamp: %s\n", f.Timestamp.Format(time.RFC3339))
		}
		return nil
	})
	return cmd
}

func newStatsCmd(withStore runWithStore) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count instances per lifecycle state",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withStore(func(ctx context.Context, store saga.Store, out io.Writer, _ []string) error {
		fmt.Fprintln(out, "Saga Statistics:")
		fmt.Fprintln(out, strings.Repeat("-", 30))

		total := 0
		for _, state := range saga.AllStates {
			count, err := store.CountByState(ctx, state)
			if err != nil {
				return fmt.Errorf("count %s: %w", state, err)
			}
			total += count
			fmt.Fprintf(out, "%-16s %d\n", string(state)+":", count)
		}

		fmt.Fprintln(out, strings.Repeat("-", 30))
		fmt.Fprintf(out, "%-16s %d\n", "Total:", total)
		return nil
	})
	return cmd
}

func newFailedCmd(withStore runWithStore) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List sagas parked in FAILED, which need manual attention",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of results")

	cmd.RunE = withStore(func(ctx context.Context, store saga.Store, out io.Writer, _ []string) error {
		result, err := store.Query(ctx, saga.InstanceFilter{
			States: []saga.LifecycleState{saga.StateFailed},
			Limit:  limit,
		})
		if err != nil {
			return fmt.Errorf("query failed instances: %w", err)
		}
		if len(result.Instances) == 0 {
			fmt.Fprintln(out, "No failed sagas found.")
			return nil
		}

		fmt.Fprintf(out, "Failed Sagas (%d total):\n\n", result.Total)
		fmt.Fprintf(out, "%-36s %-22s %-5s %s\n", "ID", "KIND", "STEP", "ERROR")
		fmt.Fprintln(out, strings.Repeat("-", 100))
		for _, inst := range result.Instances {
			kind, step, msg := "unknown", inst.CurrentStep, ""
			if inst.Failure != nil {
				kind = string(inst.Failure.Kind)
				step = inst.Failure.Step
				msg = inst.Failure.Error
			}
			fmt.Fprintf(out, "%-36s %-22s %-5d %s\n",
				truncate(inst.ID, 36),
				kind,
				step,
				truncate(msg, 40),
			)
		}
		return nil
	})
	return cmd
}

func openStore(f *storeFlags) (saga.Store, func(), error) {
	switch f.driver {
	case config.StorePostgres:
		if f.databaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL or --db is required")
		}
		db, err := sql.Open("postgres", f.databaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		store, err := saga.NewPostgresStore(db, f.table)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("create store: %w", err)
		}
		return store, func() { db.Close() }, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: f.redisAddr})
		return redisstore.New(client, f.redisPrefix), func() { client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store %q", f.driver)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
