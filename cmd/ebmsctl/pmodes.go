package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-ebms/internal/validators"
	"github.com/sirosfoundation/go-ebms/pkg/validation"
)

func pmodesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pmodes",
		Short: "List the configured P-Modes and check their validators",
		RunE: func(cmd *cobra.Command, args []string) error {
			pmodes, err := a.loadPModes()
			if err != nil {
				return err
			}
			registry := validation.NewRegistry()
			if err := validators.Register(registry); err != nil {
				return err
			}

			var invalid int
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tBINDING\tSERVICE\tACTION\tRETRIES\tVALIDATORS")
			for _, id := range pmodes.IDs() {
				pm := pmodes.GetPMode(id)

				var service, action string
				if bi := pm.BusinessInfo; bi != nil {
					action = bi.Action
					if bi.Service != nil {
						service = bi.Service.Value
					}
				}
				retries := "-"
				if r := pm.Retry(); r != nil {
					retries = fmt.Sprintf("%d every %s", r.MaxRetries, r.RetryInterval)
				}
				validatorCount := "-"
				if cv := pm.CustomValidation; cv.Active() {
					validatorCount = fmt.Sprint(len(cv.Validators))
					for _, spec := range cv.Validators {
						if _, err := registry.New(spec); err != nil {
							invalid++
							a.logger.Error("invalid validator", "pmode", id, "validator", spec.ID, "error", err)
						}
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", id, pm.MEPBinding, service, action, retries, validatorCount)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if invalid > 0 {
				return fmt.Errorf("%d validator(s) cannot be created", invalid)
			}
			return nil
		},
	}
}
