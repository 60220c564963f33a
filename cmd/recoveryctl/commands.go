package main

import (
	"context"
	"fmt"
	"strconv"

	"jewel_shop/internal/app"
	"jewel_shop/internal/campaign"
	"jewel_shop/internal/checkout"
	"jewel_shop/internal/model"
	"jewel_shop/internal/recovery"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables and seed the campaign from CAMPAIGN_SEED",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrated")
				return nil
			})
		},
	}
}

func campaignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Show or apply the recovery campaign",
	}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current campaign (YAML by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				c, err := a.Campaigns.Get(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), c)
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(c); err != nil {
					return err
				}
				return enc.Close()
			})
		},
	}
	show.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")

	apply := &cobra.Command{
		Use:   "apply [file.yaml]",
		Short: "Validate a campaign file and apply it, rescheduling active journeys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := campaign.LoadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				saved, n, err := a.Recovery.UpdateCampaign(ctx, c)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "campaign applied (enabled=%t, max_attempts=%d), %d active journeys rescheduled\n",
					saved.Enabled, saved.MaxAttempts, n)
				return nil
			})
		},
	}

	cmd.AddCommand(show, apply)
	return cmd
}

func recoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run recovery passes",
	}
	var limit int
	run := &cobra.Command{
		Use:   "run",
		Short: "Process due journeys once and print the counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				st, err := a.Recovery.RunOnce(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	run.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum journeys to process")
	cmd.AddCommand(run)
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Promote candidates, expire and cancel journeys, expire stale payment attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				st, err := a.Recovery.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func journeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journeys",
		Short: "Inspect recovery journeys",
	}

	var f recovery.ListFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List journeys with filters and pagination",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				page, err := a.Recovery.Store().List(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), page)
			})
		},
	}
	list.Flags().StringVarP(&f.Status, "status", "s", "", "Filter by status (active, recovered, cancelled, expired)")
	list.Flags().StringVarP(&f.Search, "query", "q", "", "Search by user name, email or mobile")
	list.Flags().StringVar(&f.Sort, "sort", "-created_at", "Sort column, prefix with - for descending")
	list.Flags().IntVar(&f.Page, "page", 1, "Page number")
	list.Flags().IntVar(&f.PageSize, "page-size", 20, "Page size")

	show := &cobra.Command{
		Use:   "show [journey-id]",
		Short: "Print a journey timeline: attempts and discounts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid journey id %q", args[0])
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				tl, err := a.Recovery.Store().Timeline(ctx, uint(id))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), tl)
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect and update orders",
	}

	show := &cobra.Command{
		Use:   "show [order-id]",
		Short: "Print an order with items and status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := checkout.ParseOrderID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				o, err := a.Checkout.Order(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), o)
			})
		},
	}

	var (
		note   string
		actor  string
		refund bool
	)
	status := &cobra.Command{
		Use:   "status [order-id] [status]",
		Short: "Move an order to a new status; --refund refunds the payment when cancelling",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := checkout.ParseOrderID(args[0])
			if err != nil {
				return err
			}
			ch := checkout.StatusChange{Status: model.OrderStatus(args[1]), Note: note, Actor: actor, Refund: refund}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				o, err := a.Checkout.UpdateOrderStatus(ctx, id, ch)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "order %s is now %s (payment %s, refunded %d)\n",
					o.OrderNo, o.Status, o.PaymentStatus, o.RefundedAmount)
				return nil
			})
		},
	}
	status.Flags().StringVar(&note, "note", "", "Note recorded in the status log")
	status.Flags().StringVar(&actor, "actor", "recoveryctl", "Actor recorded in the status log")
	status.Flags().BoolVar(&refund, "refund", false, "Refund the remaining paid amount when cancelling")

	cmd.AddCommand(show, status)
	return cmd
}

func settlementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settlement",
		Short: "Gateway settlement reconciliation",
	}
	var limit int
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Link paid orders to settlements and store settlement snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				st, err := a.Checkout.SyncSettlements(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	sync.Flags().IntVarP(&limit, "limit", "n", 200, "Maximum orders to check")
	cmd.AddCommand(sync)
	return cmd
}
