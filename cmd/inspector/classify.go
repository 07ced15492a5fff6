package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoPolymarket/shieldgate/internal/middleware"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/ratelimit"
)

type classifyReport struct {
	Method        string `json:"method" yaml:"method"`
	Route         string `json:"route" yaml:"route"`
	Class         string `json:"class" yaml:"class"`
	WindowSeconds int    `json:"window_seconds" yaml:"window_seconds"`
	Anonymous     int    `json:"anonymous_limit" yaml:"anonymous_limit"`
	Authenticated int    `json:"authenticated_limit" yaml:"authenticated_limit"`
	Access        string `json:"access" yaml:"access"`
	CSRFExempt    bool   `json:"csrf_exempt" yaml:"csrf_exempt"`
	ThreatBypass  bool   `json:"threat_scan_bypassed" yaml:"threat_scan_bypassed"`
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify METHOD ROUTE",
		Short: "Show the rate-limit class and access rules applied to a route",
		Args:  cobra.ExactArgs(2),
		RunE:  runClassify,
	}
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	policy, err := ratelimit.PolicyFromConfig(cfg.Security.RateLimit.Classes)
	if err != nil {
		return fmt.Errorf("invalid rate limit classes: %w", err)
	}

	method := strings.ToUpper(args[0])
	route := args[1]
	rule := policy.Classify(method, route)

	access := middleware.NewAccessPolicy(cfg.Security)
	level := "authenticated"
	switch {
	case access.IsAdmin(route):
		level = "admin"
	case access.IsPublic(route):
		level = "public"
	}

	report := classifyReport{
		Method:        method,
		Route:         route,
		Class:         string(rule.Class),
		WindowSeconds: int(rule.Window.Seconds()),
		Anonymous:     rule.Limit(false),
		Authenticated: rule.Limit(true),
		Access:        level,
		CSRFExempt:    model.IsReadOnlyMethod(method) || model.PathMatches(route, cfg.Security.CSRF.ExemptPaths),
		ThreatBypass:  model.PathMatches(route, cfg.Security.Threat.SafePaths),
	}
	return render(cmd, report, func(w io.Writer) error {
		fmt.Fprintf(w, "%s %s\n", report.Method, report.Route)
		fmt.Fprintf(w, "  class:       %s (%d anonymous / %d authenticated per %ds)\n",
			report.Class, report.Anonymous, report.Authenticated, report.WindowSeconds)
		fmt.Fprintf(w, "  access:      %s\n", report.Access)
		fmt.Fprintf(w, "  csrf exempt: %t\n", report.CSRFExempt)
		fmt.Fprintf(w, "  scan bypass: %t\n", report.ThreatBypass)
		return nil
	})
}
