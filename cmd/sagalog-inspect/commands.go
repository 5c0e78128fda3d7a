package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/descoped/linked-data-store-core/internal/coordinator"
	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog"
	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog/redislock"
	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog/sqlite"
	"github.com/descoped/linked-data-store-core/internal/pkg/cache"
)

// RootOptions holds the flags shared by every command.
type RootOptions struct {
	Database   string
	InstanceID string
	Format     string
	RedisAddr  string
}

var validFormats = []string{"text", "json"}

// NewRootCommand creates the sagalog-inspect command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:           "sagalog-inspect",
		Short:         "Inspect and repair saga logs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "sagalog.db", "path to the SQLite saga log")
	cmd.PersistentFlags().StringVar(&opts.InstanceID, "instance-id", "", "instance whose partitions are inspected (default: all)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.RedisAddr, "redis-addr", "", "Redis holding the instance and partition leases of the cluster")

	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newIncompleteCommand(opts))
	cmd.AddCommand(newDeadCommand(opts))
	cmd.AddCommand(newRequeueDeadCommand(opts))
	cmd.AddCommand(newTruncateCommand(opts))
	return cmd
}

// session is an open saga log with a pool that never advertises itself as
// an instance.
type session struct {
	store  *sqlite.Store
	pool   *sagalog.Pool
	client *redis.Client
}

func open(opts *RootOptions) (*session, error) {
	store, err := sqlite.Open(opts.Database)
	if err != nil {
		return nil, err
	}
	s := &session{store: store}
	var ownership sagalog.Ownership
	if opts.RedisAddr != "" {
		s.client = redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		ownership = redislock.New(cache.NewRedisCacheFromClient(s.client, "lds"))
	}
	s.pool = sagalog.NewPool(store, ownership, opts.InstanceID,
		sagalog.WithOwnerToken("sagalog-inspect-"+uuid.NewString()),
		sagalog.WithLogger(slog.Default()))
	return s, nil
}

func (s *session) Close() error {
	if s.client != nil {
		_ = s.client.Close()
	}
	return s.store.Close()
}

func (s *session) ids(ctx context.Context, instanceID string) ([]sagalog.ID, error) {
	if instanceID == "" {
		return s.pool.ClusterWideIDs(ctx)
	}
	return s.pool.InstanceLocalIDs(ctx)
}

func parseID(s string) (sagalog.ID, error) {
	instance, name, ok := strings.Cut(s, "/")
	if !ok || instance == "" || name == "" {
		return sagalog.ID{}, fmt.Errorf("invalid partition %q: want <instance>/<log>", s)
	}
	return sagalog.ID{InstanceID: instance, LogName: name}, nil
}

// PartitionSummary describes one partition.
type PartitionSummary struct {
	Partition  string `json:"partition"`
	Entries    int    `json:"entries"`
	Executions int    `json:"executions"`
	Incomplete int    `json:"incomplete"`
}

// ExecutionSummary describes one execution found in a partition.
type ExecutionSummary struct {
	Partition   string   `json:"partition"`
	ExecutionID string   `json:"execution_id"`
	Saga        string   `json:"saga"`
	Position    string   `json:"position"`
	Nodes       []string `json:"nodes"`
	StartedAt   string   `json:"started_at,omitempty"`
}

func newListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List partitions with their entry counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := open(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			ids, err := s.ids(ctx, opts.InstanceID)
			if err != nil {
				return err
			}
			out := make([]PartitionSummary, 0, len(ids))
			for _, id := range ids {
				sum, err := summarize(ctx, s.pool, id)
				if err != nil {
					return err
				}
				out = append(out, sum)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PARTITION\tENTRIES\tEXECUTIONS\tINCOMPLETE")
			for _, p := range out {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", p.Partition, p.Entries, p.Executions, p.Incomplete)
			}
			return tw.Flush()
		},
	}
}

func summarize(ctx context.Context, pool *sagalog.Pool, id sagalog.ID) (PartitionSummary, error) {
	log, err := pool.Connect(ctx, id)
	if err != nil {
		return PartitionSummary{}, err
	}
	defer pool.Release(id)
	all, err := log.ReadAll(ctx)
	if err != nil {
		return PartitionSummary{}, err
	}
	incomplete := sagalog.GroupByExecution(sagalog.Incomplete(all))
	return PartitionSummary{
		Partition:  id.String(),
		Entries:    len(all),
		Executions: len(sagalog.GroupByExecution(all)),
		Incomplete: len(incomplete),
	}, nil
}

func newIncompleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "incomplete [partition]",
		Short: "List executions with a start entry and no end entry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := open(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			var ids []sagalog.ID
			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				ids = []sagalog.ID{id}
			} else if ids, err = s.ids(ctx, opts.InstanceID); err != nil {
				return err
			}

			var out []ExecutionSummary
			for _, id := range ids {
				log, err := s.pool.Connect(ctx, id)
				if err != nil {
					return err
				}
				entries, err := log.ReadIncomplete(ctx)
				s.pool.Release(id)
				if err != nil {
					return err
				}
				out = append(out, describe(id, sagalog.GroupByExecution(entries))...)
			}
			return printExecutions(cmd.OutOrStdout(), opts.Format, out)
		},
	}
}

func newDeadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dead",
		Short: "List the executions of the dead saga log of an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.InstanceID == "" {
				return fmt.Errorf("--instance-id is required")
			}
			s, err := open(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			recovery := coordinator.NewRecovery(nil, s.pool, nil, nil, nil, 0, slog.Default())
			executions, err := recovery.DeadExecutions(cmd.Context())
			if err != nil {
				return err
			}
			return printExecutions(cmd.OutOrStdout(), opts.Format, describe(recovery.DeadLogID(), executions))
		},
	}
}

func newRequeueDeadCommand(opts *RootOptions) *cobra.Command {
	var (
		logs    int
		offline bool
	)
	cmd := &cobra.Command{
		Use:   "requeue-dead",
		Short: "Move dead executions back to a partition for the next recovery pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.InstanceID == "" {
				return fmt.Errorf("--instance-id is required")
			}
			if opts.RedisAddr == "" && !offline {
				return fmt.Errorf("--redis-addr is required to check that instance %q is stopped, or pass --offline", opts.InstanceID)
			}
			s, err := open(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			pool, err := coordinator.NewLogPool(s.pool, logs)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			leased, err := s.pool.LeaseInstance(ctx)
			if err != nil {
				return err
			}
			if !leased {
				return fmt.Errorf("instance %q is alive: stop it before requeueing", opts.InstanceID)
			}
			defer func() {
				if err := s.pool.ReleaseInstance(context.WithoutCancel(ctx)); err != nil {
					slog.Warn("failed to release instance lease", "instance_id", opts.InstanceID, "error", err)
				}
			}()
			recovery := coordinator.NewRecovery(pool, s.pool, nil, nil, nil, 0, slog.Default())
			n, err := recovery.RequeueDead(ctx)
			if err != nil {
				return fmt.Errorf("requeued %d executions before failing: %w", n, err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]int{"requeued": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d executions\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&logs, "logs", 5, "number of saga logs of the instance")
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the lease check when the instance is known to be stopped")
	return cmd
}

func newTruncateCommand(opts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "truncate <partition>",
		Short: "Remove every entry of a partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if !force {
				return fmt.Errorf("refusing to truncate %s without --force", id)
			}
			s, err := open(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			log, err := s.pool.Connect(cmd.Context(), id)
			if err != nil {
				return err
			}
			if err := log.Truncate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "truncated %s\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the truncation")
	return cmd
}

func describe(id sagalog.ID, executions []sagalog.Execution) []ExecutionSummary {
	out := make([]ExecutionSummary, 0, len(executions))
	for _, x := range executions {
		sum := ExecutionSummary{Partition: id.String(), ExecutionID: x.ID.String()}
		if start, ok := x.Start(); ok {
			sum.Saga = start.SagaName
			sum.Position = start.PositionKey
			sum.StartedAt = start.CreatedAt.Format(time.RFC3339)
		}
		for _, e := range x.Entries {
			sum.Nodes = append(sum.Nodes, e.NodeID)
		}
		out = append(out, sum)
	}
	return out
}

func printExecutions(w io.Writer, format string, out []ExecutionSummary) error {
	if format == "json" {
		if out == nil {
			out = []ExecutionSummary{}
		}
		return writeJSON(w, out)
	}
	if len(out) == 0 {
		fmt.Fprintln(w, "No executions found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PARTITION\tEXECUTION\tSAGA\tPOSITION\tNODES")
	for _, x := range out {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", x.Partition, x.ExecutionID, x.Saga, x.Position, strings.Join(x.Nodes, ","))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
