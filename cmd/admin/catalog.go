package main

import (
	"github.com/spf13/cobra"

	"github.com/kevin07696/tenant-billing/internal/services/billing"
)

var (
	planInput billing.CreatePlanInput
	orgInput  billing.CreateOrganizationInput
	reason    string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage plans",
}

var planCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := deps.Billing.CreatePlan(cmd.Context(), planInput)
		if err != nil {
			return err
		}
		return printJSON(plan)
	},
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		activeOnly, _ := cmd.Flags().GetBool("active")
		plans, err := deps.Billing.ListPlans(cmd.Context(), activeOnly)
		if err != nil {
			return err
		}
		return printJSON(plans)
	},
}

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "Manage organizations",
}

var orgCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an organization",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := deps.Billing.CreateOrganization(cmd.Context(), orgInput)
		if err != nil {
			return err
		}
		return printJSON(org)
	},
}

var orgDisableCmd = &cobra.Command{
	Use:   "disable ORGANIZATION_ID",
	Short: "Disable an organization without touching its subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := deps.Billing.DisableOrganization(cmd.Context(), args[0], reason)
		if err != nil {
			return err
		}
		return printJSON(org)
	},
}

var orgEnableCmd = &cobra.Command{
	Use:   "enable ORGANIZATION_ID",
	Short: "Re-enable a disabled organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := deps.Billing.EnableOrganization(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(org)
	},
}

var orgShowCmd = &cobra.Command{
	Use:   "show ORGANIZATION_ID",
	Short: "Show an organization with its subscription and recent payments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		details, err := deps.Billing.OrganizationDetails(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(details)
	},
}

func init() {
	f := planCreateCmd.Flags()
	f.StringVar(&planInput.Name, "name", "", "plan name")
	f.StringVar(&planInput.Amount, "amount", "", "price in major units, e.g. 29.99")
	f.StringVar(&planInput.Currency, "currency", "USD", "ISO currency code")
	f.StringVar(&planInput.Interval, "interval", "month", "billing interval (day, week, month, year)")
	f.IntVar(&planInput.IntervalCount, "interval-count", 1, "intervals per billing period")
	f.IntVar(&planInput.TrialDays, "trial-days", 0, "trial length in days")
	f.IntVar(&planInput.MaxRetryAttempts, "max-retries", 0, "retry attempts before the subscription expires (0 uses the default)")
	f.StringVar(&planInput.RetryBaseDelay, "retry-base-delay", "", "first retry delay, e.g. 24h")
	f.StringVar(&planInput.RetryMaxDelay, "retry-max-delay", "", "retry delay cap, e.g. 72h")
	f.StringSliceVar(&planInput.Features, "feature", nil, "feature flag included in the plan (repeatable)")
	_ = planCreateCmd.MarkFlagRequired("name")
	_ = planCreateCmd.MarkFlagRequired("amount")

	planListCmd.Flags().Bool("active", false, "only list active plans")
	planCmd.AddCommand(planCreateCmd, planListCmd)

	orgCreateCmd.Flags().StringVar(&orgInput.Name, "name", "", "organization name")
	orgCreateCmd.Flags().StringVar(&orgInput.CustomerRef, "customer-ref", "", "external customer reference")
	_ = orgCreateCmd.MarkFlagRequired("name")
	_ = orgCreateCmd.MarkFlagRequired("customer-ref")

	orgDisableCmd.Flags().StringVar(&reason, "reason", "", "why the organization is being disabled")
	orgCmd.AddCommand(orgCreateCmd, orgDisableCmd, orgEnableCmd, orgShowCmd)
}
