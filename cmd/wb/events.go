package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workbridge/internal/app"
	"workbridge/internal/domain"
	"workbridge/internal/engine"
	"workbridge/internal/events"
)

func eventsCmd() *cobra.Command {
	evts := &cobra.Command{
		Use:   "events",
		Short: "Event log",
		Long:  "The append-only record of everything that happened: creations, claims, transitions, errors and conflicts.",
	}
	evts.AddCommand(eventsTailCmd())
	return evts
}

func eventsTailCmd() *cobra.Command {
	var f events.TailFilter
	var action string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Action = domain.Action(action)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.TailEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Occurred", "Action", "Entity", "Actor", "Attributes"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.Seq, domain.FormatTime(evt.OccurredAt), evt.Action, evt.EntityID, evt.ActorID, string(evt.Attributes)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&action, "action", "", "action filter, e.g. work.claimed")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().Int64Var(&f.Before, "before", 0, "only events with seq lower than this")
	return cmd
}

func projectorCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "projector",
		Short: "Control the projection of the event log",
	}
	p.AddCommand(projectorRunCmd())
	p.AddCommand(projectorCatchUpCmd())
	p.AddCommand(projectorRebuildCmd())
	p.AddCommand(projectorLagCmd())
	return p
}

func projectorRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Fold new events on the configured interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ws, err := app.Open(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ws.Close()
			p := ws.Engine.Projector
			p.Logger = log.New(os.Stderr, "workbridge: ", log.LstdFlags)
			p.Logger.Printf("projector: running every %s", ws.Config.Projector.Interval)
			p.Run(ctx)
			return nil
		},
	}
}

func projectorCatchUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catchup",
		Short: "Fold every pending event once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Projector.CatchUp(ctx)
				if err != nil {
					return err
				}
				return printCount("folded", n)
			})
		},
	}
}

func projectorRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Discard the projection and replay the whole log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Projector.Rebuild(ctx)
				if err != nil {
					return err
				}
				return printCount("replayed", n)
			})
		},
	}
}

func projectorLagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lag",
		Short: "Show events appended but not yet folded",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Lag(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Cursor", "Head", "Behind cursor", "Pending", "Max age (s)", "Avg age (s)", "Max lag (s)"})
				tw.AppendRow(table.Row{stats.CursorSeq, stats.HeadSeq, stats.CursorPending, stats.PendingCount,
					fmt.Sprintf("%.1f", stats.MaxAgeSeconds), fmt.Sprintf("%.1f", stats.AvgAgeSeconds),
					e.Config.Projector.MaxLag.Seconds()})
				tw.Render()
				return nil
			})
		},
	}
}

func printCount(verb string, n int) error {
	if viper.GetBool("json") {
		return printJSON(map[string]int{verb: n})
	}
	fmt.Printf("%s %d events\n", verb, n)
	return nil
}
