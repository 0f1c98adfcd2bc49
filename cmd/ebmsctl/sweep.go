package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/reliability"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

func sweepCmd(a *app) *cobra.Command {
	var (
		dryRun      bool
		expireAfter time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the resend and expiry sweeps once",
		Long: `Plans the resend of user messages awaiting a receipt, fails those that
ran out of retries and, with --expire-after, fails units whose state has not
changed for that long. The serve command runs the same sweeps periodically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("expire-after") {
				expireAfter = a.cfg.Reliability.ExpireAfter
			}
			pmodes, err := a.loadPModes()
			if err != nil {
				return err
			}

			return a.withStore(cmd.Context(), func(st storage.Store) error {
				planner := reliability.NewResendPlanner(st, pmodes, reliability.WithLogger(a.logger))
				decisions, err := planner.Plan(cmd.Context())
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CORE ID\tMESSAGE ID\tSENT\tDUE\tACTION")
				for _, d := range decisions {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						d.Unit.CoreID(), d.Unit.MessageID(), d.Transmissions,
						d.Due.UTC().Format(time.RFC3339), d.Action)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if dryRun {
					return nil
				}

				generated := make(model.GeneratedErrors)
				changed, err := planner.Apply(cmd.Context(), decisions, generated)
				if err != nil {
					return err
				}
				for messageID, errs := range generated.All() {
					for _, e := range errs {
						a.logger.Warn("message failed", "message_id", messageID, "code", e.ErrorCode, "detail", e.ErrorDetail)
					}
				}

				var expired []string
				if expireAfter > 0 {
					if expired, err = reliability.ExpireStale(cmd.Context(), st, time.Now().Add(-expireAfter)); err != nil {
						return err
					}
				}
				fmt.Fprintf(a.out, "changed %d, failed %d, expired %d\n", changed, generated.Len(), len(expired))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print the resend plan")
	cmd.Flags().DurationVar(&expireAfter, "expire-after", 0, "fail units without a state change for this long (default: reliability.expireAfter)")
	return cmd
}
