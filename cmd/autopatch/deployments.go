package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jxucoder/autopatch/internal/autofix"
	"github.com/jxucoder/autopatch/internal/model"
)

var (
	deploymentsSubscription string
	deploymentsLimit        int
)

var deploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "List failed deployments and their fix status",
	RunE:  runDeployments,
}

var retryCmd = &cobra.Command{
	Use:   "retry [deployment-id]",
	Short: "Retry the fix of a failed deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

var subscriptionsCmd = &cobra.Command{
	Use:     "subscriptions",
	Aliases: []string{"subs"},
	Short:   "List project subscriptions",
	RunE:    runSubscriptions,
}

var (
	subscribeRepo        string
	subscribeBase        string
	subscribeMaxAttempts int
	subscribeWebhook     bool
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe [project-id]",
	Short: "Watch a hosting project and fix its failed deployments",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubscribe,
}

var rulesSubscription string

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage fix rules",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import fix rules from a YAML file",
	Long: `Import fix rules from a YAML file into a subscription.

Example file:
  rules:
    - name: flaky lint
      pattern: "eslint.*max-warnings"
      skip_fix: true
    - pattern: "Cannot find module"
      error_type: dependency
      custom_prompt: Prefer adding the missing dependency over removing the import.
      priority: 10`,
	Args: cobra.ExactArgs(1),
	RunE: runRulesImport,
}

func init() {
	deploymentsCmd.Flags().StringVarP(&deploymentsSubscription, "subscription", "s", "", "only this subscription")
	deploymentsCmd.Flags().IntVarP(&deploymentsLimit, "limit", "n", 20, "maximum number of deployments")

	subscribeCmd.Flags().StringVarP(&subscribeRepo, "repo", "r", "", "GitHub repository (owner/repo)")
	subscribeCmd.Flags().StringVar(&subscribeBase, "base", "", "branch fixes are based on")
	subscribeCmd.Flags().IntVar(&subscribeMaxAttempts, "max-attempts", model.DefaultMaxFixAttempts, "fix attempts per failure chain")
	subscribeCmd.Flags().BoolVar(&subscribeWebhook, "register-webhook", false, "register the deployment webhook on the hosting platform")
	subscribeCmd.MarkFlagRequired("repo")

	rulesImportCmd.Flags().StringVarP(&rulesSubscription, "subscription", "s", "", "subscription the rules belong to")
	rulesImportCmd.MarkFlagRequired("subscription")
	rulesCmd.AddCommand(rulesImportCmd)

	rootCmd.AddCommand(deploymentsCmd, retryCmd, subscriptionsCmd, subscribeCmd, rulesCmd)
}

func runDeployments(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(deploymentsLimit))
	if deploymentsSubscription != "" {
		q.Set("subscription", deploymentsSubscription)
	}
	var ds []model.Deployment
	if err := newClient().do(cmd.Context(), http.MethodGet, "/api/deployments?"+q.Encode(), nil, &ds); err != nil {
		return err
	}
	if len(ds) == 0 {
		fmt.Println("No deployments found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tBRANCH\tSTATUS\tATTEMPT\tERROR\tPR")
	for _, d := range ds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			d.ID, d.ProjectName, d.Branch, fixStatusLabel(&d), d.Attempt, orDash(d.ErrorType), orDash(d.PRURL))
	}
	return w.Flush()
}

func runRetry(cmd *cobra.Command, args []string) error {
	var d model.Deployment
	if err := newClient().do(cmd.Context(), http.MethodPost, "/api/deployments/"+args[0]+"/retry", nil, &d); err != nil {
		return err
	}
	fmt.Printf("Deployment %s queued for another fix attempt\n", d.ID)
	return nil
}

func runSubscriptions(cmd *cobra.Command, args []string) error {
	var subs []model.Subscription
	if err := newClient().do(cmd.Context(), http.MethodGet, "/api/subscriptions", nil, &subs); err != nil {
		return err
	}
	if len(subs) == 0 {
		fmt.Println("No subscriptions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tREPO\tBASE\tAUTO-FIX\tMAX")
	for _, s := range subs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\n",
			s.ID, orDash(s.ProjectName), s.RepoURL, orDash(s.BaseBranch), s.AutoFixEnabled, s.MaxFixAttempts)
	}
	return w.Flush()
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	req := map[string]any{
		"platform_project_id": args[0],
		"repo":                subscribeRepo,
		"max_fix_attempts":    subscribeMaxAttempts,
		"register_webhook":    subscribeWebhook,
	}
	if subscribeBase != "" {
		req["base_branch"] = subscribeBase
	}
	var sub model.Subscription
	if err := newClient().do(cmd.Context(), http.MethodPost, "/api/subscriptions", req, &sub); err != nil {
		return err
	}
	fmt.Printf("Subscription %s created for project %s\n", sub.ID, sub.PlatformProjectID)
	if sub.WebhookID != "" {
		fmt.Printf("Webhook %s registered\n", sub.WebhookID)
	}
	return nil
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	rules, err := autofix.LoadRules(cmd.Context(), ruleUploader{client: newClient()}, args[0], rulesSubscription)
	if err != nil {
		return err
	}
	for _, r := range rules {
		fmt.Printf("Imported rule %s (%s)\n", r.ID, firstOf(r.Name, r.Pattern))
	}
	return nil
}

func fixStatusLabel(d *model.Deployment) string {
	switch d.FixStatus {
	case model.FixPending, model.FixAnalyzing, model.FixFixing, model.FixReviewing:
		return "🔄 " + string(d.FixStatus)
	case model.FixPRCreated:
		return "📬 pr_created"
	case model.FixMerged:
		return "✅ merged"
	case model.FixFailed:
		if d.Exhausted {
			return "❌ failed (exhausted)"
		}
		return "❌ failed"
	case model.FixSkipped:
		return "⏭ skipped"
	default:
		return string(d.FixStatus)
	}
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
