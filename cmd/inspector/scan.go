package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/signature"
	"github.com/GoPolymarket/shieldgate/internal/store"
	"github.com/GoPolymarket/shieldgate/internal/threat"
)

type scanReport struct {
	Verdict  string                   `json:"verdict" yaml:"verdict"`
	Bypassed bool                     `json:"bypassed,omitempty" yaml:"bypassed,omitempty"`
	Findings []model.ThreatScanResult `json:"findings" yaml:"findings"`
}

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [value...]",
		Short: "Run values or a request body through the threat scanner",
		Long: `Scan each positional value, or a request assembled from --file, --query and --path.
A file is decoded as JSON when --content-type says so or it looks like JSON; "-" reads stdin.
Exits non-zero when a critical pattern matches.`,
		RunE: runScan,
	}
	cmd.Flags().StringP("file", "f", "", "Request body to scan (- for stdin)")
	cmd.Flags().String("content-type", "", "Content type of the body (default: guessed)")
	cmd.Flags().String("query", "", "Raw query string, e.g. 'q=1&sort=name'")
	cmd.Flags().String("path", "/", "Request path")
	return cmd
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	file, _ := cmd.Flags().GetString("file")
	if len(args) == 0 && file == "" {
		return fmt.Errorf("nothing to scan: pass values or --file")
	}

	settings := threat.SettingsFromConfig(cfg.Security.Threat, cfg.Security.StageTimeout())
	scanner := threat.NewScanner(settings, store.NewMemoryStore(), signature.New(cfg.Security.Secret))

	var report scanReport
	if len(args) > 0 {
		for _, v := range args {
			report.Findings = append(report.Findings, scanner.ScanString(v)...)
		}
	} else {
		rc, err := requestFromFlags(cmd, file, settings.MaxDepth)
		if err != nil {
			return err
		}
		out, err := scanner.Scan(context.Background(), rc)
		if err != nil {
			return err
		}
		report.Findings = out.Findings
		report.Bypassed = out.Bypassed
	}

	report.Verdict = "clean"
	switch {
	case model.HasCritical(report.Findings):
		report.Verdict = "blocked"
	case len(report.Findings) > 0:
		report.Verdict = "suspicious"
	}
	if report.Findings == nil {
		report.Findings = []model.ThreatScanResult{}
	}

	if err := render(cmd, report, func(w io.Writer) error { return printScan(w, report) }); err != nil {
		return err
	}
	if report.Verdict == "blocked" {
		return fmt.Errorf("critical threat detected")
	}
	return nil
}

func requestFromFlags(cmd *cobra.Command, file string, maxDepth int) (*model.RequestContext, error) {
	path, _ := cmd.Flags().GetString("path")
	rawQuery, _ := cmd.Flags().GetString("query")
	contentType, _ := cmd.Flags().GetString("content-type")

	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("invalid --query: %w", err)
	}
	rc := &model.RequestContext{
		Method:      "POST",
		Path:        path,
		Query:       model.FromValues(query),
		ContentType: contentType,
	}

	var data []byte
	if file == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	isJSON := strings.Contains(contentType, "json") ||
		(contentType == "" && len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '['))
	switch {
	case isJSON:
		body, err := model.DecodeJSON(bytes.NewReader(data), maxDepth)
		if err != nil {
			if !model.IsTooDeep(err) {
				return nil, fmt.Errorf("invalid JSON body: %w", err)
			}
			rc.BodyTooDeep = true
			body = model.String(string(data))
		}
		rc.Body = body
	case strings.Contains(contentType, "x-www-form-urlencoded"):
		form, err := url.ParseQuery(string(data))
		if err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		rc.Body = model.FromValues(form)
	default:
		rc.Body = model.String(string(data))
	}
	return rc, nil
}

func printScan(w io.Writer, report scanReport) error {
	fmt.Fprintf(w, "verdict: %s\n", report.Verdict)
	if report.Bypassed {
		fmt.Fprintln(w, "scan bypassed (safe path or content type)")
	}
	if len(report.Findings) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEVERITY\tPATTERN\tSOURCE\tFIELD\tEXCERPT")
	for _, f := range report.Findings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%q\n", f.Severity, f.PatternID, f.Source, f.Field, f.Excerpt)
	}
	return tw.Flush()
}
