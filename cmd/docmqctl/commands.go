package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ecociel/docmq/lib/mq"
	"github.com/ecociel/docmq/lib/scheduler"
	"github.com/spf13/cobra"
)

type opener func(ctx context.Context) (*mq.DB, func(), error)

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:          "docmqctl",
		Short:        "Inspect and operate docmq queues",
		Long:         "docmqctl talks to the store configured by the DOCMQ_* environment variables.",
		SilenceUsage: true,
	}
	root.AddCommand(
		queuesCmd(open),
		statusCmd(open),
		dumpCmd(open),
		expireCmd(open),
		deleteCmd(open),
		pushCmd(open),
		retryCmd(open),
		taskCmd(open),
	)
	return root
}

// withDB opens the store for the duration of one command.
func withDB(open opener, run func(ctx context.Context, db *mq.DB, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		db, closeDB, err := open(ctx)
		if err != nil {
			return err
		}
		defer closeDB()
		return run(ctx, db, cmd, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func queuesCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List queues",
		Args:  cobra.NoArgs,
		RunE: withDB(open, func(ctx context.Context, db *mq.DB, cmd *cobra.Command, args []string) error {
			queues, err := mq.Queues(ctx, db)
			if err != nil {
				return err
			}
			for _, q := range queues {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", q.Name, q.Created.Format(time.RFC3339))
			}
			return nil
		}),
	}
}

func statusCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "status QUEUE",
		Short: "Show task counts and current assignments",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(open, func(ctx context.Context, db *mq.DB, cmd *cobra.Command, args []string) error {
			st, err := mq.NewQueue(args[0]).Status(ctx, db)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		}),
	}
}

func dumpCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "dump QUEUE",
		Short: "Print every task of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(open, func(ctx context.Context, db *mq.DB, cmd *cobra.Command, args []string) error {
			d, err := mq.NewQueue(args[0]).Dump(ctx, db)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		}),
	}
}

func expireCmd(open opener) *cobra.Command {
	var margin time.Duration
	cmd := &cobra.Command{
		Use:   "expire QUEUE",
		Short: "Requeue tasks whose lease has run out",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(open, func(ctx context.Context, db *mq.DB, cmd *cobra.Command, args []string) error {
			n, err := mq.NewQueue(args[0]).ExpireTTL(ctx, db, margin)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d tasks\n", n)
			return nil
		}),
	}
	cmd.Flags().DurationVar(&margin, "margin", mq.DefaultExpireMargin, "grace period after the deadline")
	return cmd
}

func deleteCmd(open opener) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "delete QUEUE",
		Short: "Delete a queue and all of its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(open, func(ctx context.Context, db *mq.DB, cmd *cobra.Command, args []string) error {
			if err := mq.NewQueue(args[0]).Delete(ctx, db, batch); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		}),
	}
	cmd.Flags().IntVar(&batch, "batch", mq.DefaultDeleteBatch, "documents read per round")
	return cmd
}

func pushCmd(open opener) *cobra.Command {
	var (
		id       string
		data     string
		ttl      time.Duration
		deadline string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "push QUEUE",
		Short: "Enqueue a task",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(open, func(ctx context.Context, db *mq.DB, cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data is not valid JSON")
			}
			req := scheduler.Request{
				ID:       id,
				Payload:  json.RawMessage(data),
				TTL:      ttl,
				Priority: priority,
			}
			if deadline != "" {
				if cmd.Flags().Changed("ttl") {
					return fmt.Errorf("--deadline and --ttl are mutually exclusive")
				}
				d, err := time.Parse(time.RFC3339, deadline)
				if err != nil {
					return fmt.Errorf("parse --deadline: %w", err)
				}
				req.TTL = 0
				req.Deadline = d.UTC()
			}
			taskID, err := scheduler.New(db).Schedule(ctx, args[0], req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), taskID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&id, "id", "", "task id, generated when empty")
	cmd.Flags().StringVar(&data, "data", "{}", "JSON payload")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Minute, "lease length once claimed")
	cmd.Flags().StringVar(&deadline, "deadline", "", "absolute lease deadline (RFC 3339) instead of --ttl")
	cmd.Flags().IntVar(&priority, "priority", 0, "higher is served first")
	return cmd
}

func retryCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "retry QUEUE ID",
		Short: "Move an errored task back to unassigned",
		Args:  cobra.ExactArgs(2),
		RunE: withDB(open, func(ctx context.Context, db *mq.DB, cmd *cobra.Command, args []string) error {
			t, err := mq.NewQueue(args[0]).Retry(ctx, db, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", t.ID, t.Status())
			return nil
		}),
	}
}

func taskCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "task QUEUE ID",
		Short: "Show one task",
		Args:  cobra.ExactArgs(2),
		RunE: withDB(open, func(ctx context.Context, db *mq.DB, cmd *cobra.Command, args []string) error {
			t, err := mq.NewQueue(args[0]).Task(ctx, db, args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"id":          t.ID,
				"status":      t.Status(),
				"data":        t.Data,
				"ttl":         t.TTL.String(),
				"deadline":    t.Deadline,
				"assigned_to": t.AssignedTo,
				"priority":    t.Priority,
				"created":     t.Created,
				"diagnostic":  t.Diagnostic,
				"version":     t.Version(),
			})
		}),
	}
}
