package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workbridge/internal/domain"
	"workbridge/internal/engine"
	"workbridge/internal/repo"
)

func workCmd() *cobra.Command {
	work := &cobra.Command{
		Use:   "work",
		Short: "Manage work items",
		Long:  "Work items flow new -> ready -> in_progress -> review -> done; blocked and cancelled are side exits. Mutating commands take --key (idempotency key) and --expected (the version you last saw; defaults to the current one).",
	}
	work.AddCommand(workCreateCmd())
	work.AddCommand(workListCmd())
	work.AddCommand(workGetCmd())
	work.AddCommand(workAssignCmd())
	work.AddCommand(workTransitionCmd())
	work.AddCommand(workEstimateCmd())
	work.AddCommand(workDependCmd())
	work.AddCommand(workCompleteCmd())
	work.AddCommand(workReleaseCmd())
	work.AddCommand(workErrorCmd())
	return work
}

func workCreateCmd() *cobra.Command {
	var opts engine.CreateWorkOptions
	var points int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.IdempotencyKey = requestKey(opts.IdempotencyKey)
			if cmd.Flags().Changed("points") {
				opts.Points = &points
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateWork(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Type, "type", "", "work type (default feature)")
	cmd.Flags().StringVar(&opts.Severity, "severity", "", "severity (default medium)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.BusinessValue, "business-value", 0, "business value")
	cmd.Flags().IntVar(&points, "points", 0, "story points")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "key", "", "idempotency key (also names the work id)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func workListCmd() *cobra.Command {
	var f repo.WorkFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(status)
			if status != "" && !f.Status.Valid() {
				return engine.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListWork(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Title", "Status", "Severity", "Assignee", "Points", "Version"})
				for _, w := range items {
					points := ""
					if w.Points != nil {
						points = fmt.Sprint(*w.Points)
					}
					tw.AppendRow(table.Row{w.DisplayID, w.WorkID, w.Title, w.Status, w.Severity, w.Assignee(), points, w.LastEventID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().BoolVar(&f.Unassigned, "unassigned", false, "only unassigned items")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum items")
	return cmd
}

func workGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <work-id>",
		Short: "Show a work item, including events not yet projected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetEntityConsistent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
}

func workAssignCmd() *cobra.Command {
	var assignee, expected, key string
	cmd := &cobra.Command{
		Use:   "assign <work-id>",
		Short: "Assign a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				version, err := expectedVersion(ctx, e, args[0], expected)
				if err != nil {
					return err
				}
				res, err := e.Assign(ctx, engine.AssignOptions{
					WorkID:          args[0],
					AssigneeID:      assignee,
					ExpectedVersion: version,
					ActorID:         viper.GetString("actor-id"),
					IdempotencyKey:  requestKey(key),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "to", "", "assignee id")
	cmd.Flags().StringVar(&expected, "expected", "", "expected version")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func workTransitionCmd() *cobra.Command {
	var status, reason, expected, key string
	cmd := &cobra.Command{
		Use:   "transition <work-id>",
		Short: "Move a work item to another status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				version, err := expectedVersion(ctx, e, args[0], expected)
				if err != nil {
					return err
				}
				res, err := e.TransitionStatus(ctx, engine.TransitionOptions{
					WorkID:          args[0],
					To:              domain.Status(status),
					ExpectedVersion: version,
					Reason:          reason,
					ActorID:         viper.GetString("actor-id"),
					IdempotencyKey:  requestKey(key),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&expected, "expected", "", "expected version")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func workEstimateCmd() *cobra.Command {
	var points int
	var expected, key string
	cmd := &cobra.Command{
		Use:   "estimate <work-id>",
		Short: "Record story points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				version, err := expectedVersion(ctx, e, args[0], expected)
				if err != nil {
					return err
				}
				res, err := e.Estimate(ctx, engine.EstimateOptions{
					WorkID:          args[0],
					Points:          points,
					ExpectedVersion: version,
					ActorID:         viper.GetString("actor-id"),
					IdempotencyKey:  requestKey(key),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&points, "points", 0, "story points")
	cmd.Flags().StringVar(&expected, "expected", "", "expected version")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("points")
	return cmd
}

func workDependCmd() *cobra.Command {
	var dependsOn, depType, expected, key string
	cmd := &cobra.Command{
		Use:   "depend <work-id>",
		Short: "Make a work item depend on another",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				version, err := expectedVersion(ctx, e, args[0], expected)
				if err != nil {
					return err
				}
				res, err := e.AddDependency(ctx, engine.DependencyOptions{
					WorkID:          args[0],
					DependsOnID:     dependsOn,
					Type:            depType,
					ExpectedVersion: version,
					ActorID:         viper.GetString("actor-id"),
					IdempotencyKey:  requestKey(key),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&dependsOn, "on", "", "work id this item depends on")
	cmd.Flags().StringVar(&depType, "type", "", "dependency type (default blocks)")
	cmd.Flags().StringVar(&expected, "expected", "", "expected version")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("on")
	return cmd
}

func workCompleteCmd() *cobra.Command {
	var expected, key string
	cmd := &cobra.Command{
		Use:   "complete <work-id>",
		Short: "Complete a work item assigned to --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				version, err := expectedVersion(ctx, e, args[0], expected)
				if err != nil {
					return err
				}
				res, err := e.CompleteWork(ctx, engine.CompleteOptions{
					WorkID:          args[0],
					AgentID:         viper.GetString("actor-id"),
					ExpectedVersion: version,
					IdempotencyKey:  requestKey(key),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&expected, "expected", "", "expected version")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	return cmd
}

func workReleaseCmd() *cobra.Command {
	var reason, expected, key string
	cmd := &cobra.Command{
		Use:   "release <work-id>",
		Short: "Give a work item assigned to --actor-id back to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				version, err := expectedVersion(ctx, e, args[0], expected)
				if err != nil {
					return err
				}
				res, err := e.ReleaseWork(ctx, engine.ReleaseOptions{
					WorkID:          args[0],
					AgentID:         viper.GetString("actor-id"),
					ExpectedVersion: version,
					Reason:          reason,
					IdempotencyKey:  requestKey(key),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&expected, "expected", "", "expected version")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	return cmd
}

func workErrorCmd() *cobra.Command {
	var opts engine.ErrorOptions
	cmd := &cobra.Command{
		Use:   "error <work-id>",
		Short: "Report a failure on a work item and get a retry decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkID = args[0]
			opts.AgentID = viper.GetString("actor-id")
			opts.IdempotencyKey = requestKey(opts.IdempotencyKey)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.HandleError(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ErrorType, "type", "", "error type (conflict reports do not count against retries)")
	cmd.Flags().StringVar(&opts.Message, "message", "", "error message")
	cmd.Flags().BoolVar(&opts.WillRetry, "will-retry", false, "agent intends to retry")
	cmd.Flags().IntVar(&opts.RetryAfter, "retry-after", 0, "suggested retry delay in seconds")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func claimCmd() *cobra.Command {
	var key string
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the best eligible work item for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent := currentAgent()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				claim, err := e.ClaimNext(ctx, engine.ClaimOptions{
					AgentID:        agent.ID,
					AgentType:      agent.Type,
					Capabilities:   agent.Capabilities,
					MaxAttempts:    maxAttempts,
					IdempotencyKey: requestKey(key),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(claim)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "claim attempts (default from config)")
	return cmd
}
