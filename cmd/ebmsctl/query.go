package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-ebms/pkg/message"
	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
)

func unitsCmd(a *app) *cobra.Command {
	var (
		kind      string
		direction string
		states    []string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "units",
		Short: "List message units in the given processing states",
		Example: `  ebmsctl units --state READY_TO_PUSH,AWAITING_RECEIPT --direction OUT
  ebmsctl units --kind Receipt --state RECEIVED`,
		RunE: func(cmd *cobra.Command, args []string) error {
			k := model.Kind(kind)
			if !k.Valid() {
				return fmt.Errorf("unknown kind %q", kind)
			}
			dirs, err := parseDirections(direction)
			if err != nil {
				return err
			}
			var ps []model.ProcessingState
			for _, s := range states {
				st := model.ProcessingState(strings.ToUpper(strings.TrimSpace(s)))
				if !st.Valid() {
					return fmt.Errorf("unknown state %q", s)
				}
				ps = append(ps, st)
			}

			return a.withStore(cmd.Context(), func(st storage.Store) error {
				var views []model.View
				for _, d := range dirs {
					found, err := st.MessageUnitsInState(cmd.Context(), k, d, ps)
					if err != nil {
						return err
					}
					views = append(views, found...)
				}
				storage.SortByStateSince(views)
				return printUnits(a.out, views, asJSON)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(model.KindUserMessage), "message unit kind (UserMessage, Receipt, ErrorMessage, PullRequest)")
	cmd.Flags().StringVar(&direction, "direction", "", "IN or OUT (default: both)")
	cmd.Flags().StringSliceVar(&states, "state", nil, "processing states to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func staleCmd(a *app) *cobra.Command {
	var (
		idle   time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List message units whose state has not changed for a while",
		RunE: func(cmd *cobra.Command, args []string) error {
			if idle <= 0 {
				return fmt.Errorf("--idle must be positive")
			}
			return a.withStore(cmd.Context(), func(st storage.Store) error {
				views, err := st.MessageUnitsWithLastStateChangeBefore(cmd.Context(), time.Now().Add(-idle))
				if err != nil {
					return err
				}
				return printUnits(a.out, views, asJSON)
			})
		},
	}
	cmd.Flags().DurationVar(&idle, "idle", 24*time.Hour, "minimum time since the last state change")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func showCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <core-id>",
		Short: "Show a message unit with its state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(st storage.Store) error {
				mu, err := st.MessageUnitWithCoreID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if mu == nil {
					return fmt.Errorf("message unit %s not found", args[0])
				}
				return printDetail(a.out, mu)
			})
		},
	}
}

func messageCmd(a *app) *cobra.Command {
	var (
		direction string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "message <message-id>",
		Short: "List the message units carrying a messageId",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := parseDirections(direction)
			if err != nil {
				return err
			}
			return a.withStore(cmd.Context(), func(st storage.Store) error {
				views, err := st.MessageUnitsWithID(cmd.Context(), args[0], dirs...)
				if err != nil {
					return err
				}
				return printUnits(a.out, views, asJSON)
			})
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "", "IN or OUT (default: both)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func relatedCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "related <core-id>",
		Short: "List the message units referencing or referenced by a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(st storage.Store) error {
				ids, err := st.RelatedTo(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				views := make([]model.View, 0, len(ids))
				for _, id := range ids {
					mu, err := st.MessageUnitWithCoreID(cmd.Context(), id)
					if err != nil {
						return err
					}
					if mu != nil {
						views = append(views, mu)
					}
				}
				return printUnits(a.out, views, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func transmissionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "transmissions <core-id>",
		Short: "Print how often a user message was transmitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(st storage.Store) error {
				mu, err := st.MessageUnitWithCoreID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if mu == nil {
					return fmt.Errorf("message unit %s not found", args[0])
				}
				n, err := st.NumberOfTransmissions(cmd.Context(), mu)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, n)
				return nil
			})
		},
	}
}

func parseDirections(value string) ([]model.Direction, error) {
	switch model.Direction(strings.ToUpper(value)) {
	case "":
		return []model.Direction{model.DirectionIn, model.DirectionOut}, nil
	case model.DirectionIn:
		return []model.Direction{model.DirectionIn}, nil
	case model.DirectionOut:
		return []model.Direction{model.DirectionOut}, nil
	}
	return nil, fmt.Errorf("direction must be IN or OUT, got %q", value)
}

type unitRow struct {
	CoreID         string                `json:"coreId"`
	Kind           model.Kind            `json:"kind"`
	Direction      model.Direction       `json:"direction"`
	MessageID      string                `json:"messageId"`
	RefToMessageID string                `json:"refToMessageId,omitempty"`
	State          model.ProcessingState `json:"state"`
	StateSince     time.Time             `json:"stateSince"`
	PModeID        string                `json:"pmodeId,omitempty"`
}

func newUnitRow(v model.View) unitRow {
	return unitRow{
		CoreID:         v.CoreID(),
		Kind:           v.Kind(),
		Direction:      v.Direction(),
		MessageID:      v.MessageID(),
		RefToMessageID: v.RefToMessageID(),
		State:          v.CurrentState(),
		StateSince:     v.StateSince(),
		PModeID:        v.PModeID(),
	}
}

func printUnits(w io.Writer, views []model.View, asJSON bool) error {
	rows := make([]unitRow, len(views))
	for i, v := range views {
		rows[i] = newUnitRow(v)
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CORE ID\tKIND\tDIR\tMESSAGE ID\tSTATE\tSINCE\tP-MODE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CoreID, r.Kind, r.Direction, r.MessageID, r.State,
			r.StateSince.UTC().Format(time.RFC3339), r.PModeID)
	}
	return tw.Flush()
}

func printDetail(w io.Writer, mu model.MessageUnit) error {
	r := newUnitRow(mu)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Core ID:\t%s\n", r.CoreID)
	fmt.Fprintf(tw, "Kind:\t%s\n", r.Kind)
	fmt.Fprintf(tw, "Direction:\t%s\n", r.Direction)
	fmt.Fprintf(tw, "Message ID:\t%s\n", r.MessageID)
	if r.RefToMessageID != "" {
		fmt.Fprintf(tw, "Ref To:\t%s\n", r.RefToMessageID)
	}
	if r.PModeID != "" {
		fmt.Fprintf(tw, "P-Mode:\t%s\n", r.PModeID)
	}
	fmt.Fprintf(tw, "State:\t%s\n", r.State)
	fmt.Fprintln(tw, "History:")
	for _, e := range mu.History() {
		fmt.Fprintf(tw, "  %s\t%s\n", e.At.UTC().Format(time.RFC3339Nano), e.State)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	switch u := mu.(type) {
	case *model.UserMessage:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(message.FromEntity(u))
	case *model.ErrorMessage:
		for _, e := range u.Errors() {
			fmt.Fprintf(w, "%s %s %s: %s\n", e.ErrorCode, e.Severity, e.ShortDescription, e.ErrorDetail)
		}
	case *model.PullRequest:
		fmt.Fprintf(w, "MPC: %s\n", u.MPC())
	}
	return nil
}
