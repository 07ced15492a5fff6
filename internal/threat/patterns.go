package threat

import (
	"regexp"
	"strings"

	"github.com/GoPolymarket/shieldgate/internal/model"
)

// Pattern is one slow-pass rule.
type Pattern struct {
	ID       string
	Category string
	Severity model.ThreatSeverity
	Regex    *regexp.Regexp
}

// fastKeywords gate the slow pass. Values that miss them still go through criticalPrefilter,
// so the keyword list only decides how often the medium tier runs.
var fastKeywords = []string{
	// sql
	"select", "union", "drop ", "insert ", "delete ", "update ", "truncate", "alter ", "exec",
	"sleep(", "sleep (", "benchmark", "waitfor", "information_schema", "pg_catalog", "sysobjects",
	"' or", "'or", "') or", "\" or", "\"or", "1=1", "1 = 1", "or true", "'--", "' --", "';", "' ;",
	// script injection
	"<script", "< script", "script:", "script :", "onerror", "onload", "onclick", "onmouseover", "onfocus",
	"<iframe", "<img", "<svg", "document.", "eval(", "expression(",
	// command / template / path
	"$(", "`", "| ", "&&", "{{", "${", "../", "..\\", "/etc/", "$where", "$ne", "169.254.",
}

// criticalPrefilter joins every critical regex into one alternation. Flags set inside a
// pattern stay scoped to its group.
func criticalPrefilter(patterns []Pattern) *regexp.Regexp {
	var parts []string
	for _, p := range patterns {
		if p.Severity == model.ThreatCritical {
			parts = append(parts, "(?:"+p.Regex.String()+")")
		}
	}
	return regexp.MustCompile(strings.Join(parts, "|"))
}

func compilePatterns() []Pattern {
	return []Pattern{
		// critical: reject
		{ID: "sqli_or_true", Category: "sqli", Severity: model.ThreatCritical,
			Regex: regexp.MustCompile(`(?i)['"]\s*\)?\s*or\s+(['"]?\w*['"]?\s*=\s*['"]?\w*|true\b|\d+\s*(--|#|$))`)},
		{ID: "sqli_or_numeric", Category: "sqli", Severity: model.ThreatCritical,
			Regex: regexp.MustCompile(`(?i)\bor\s+(\d+)\s*=\s*(\d+)\b`)},
		{ID: "sqli_union", Category: "sqli", Severity: model.ThreatCritical,
			Regex: regexp.MustCompile(`(?i)\bunion\b\s+(all\s+|distinct\s+)?select\b`)},
		{ID: "sqli_stacked", Category: "sqli", Severity: model.ThreatCritical,
			Regex: regexp.MustCompile(`(?i);\s*(drop|alter|truncate|delete\s+from|update\s+\w+\s+set|insert\s+into|exec(ute)?)\b`)},
		{ID: "sqli_drop", Category: "sqli", Severity: model.ThreatCritical,
			Regex: regexp.MustCompile(`(?i)\bdrop\s+(table|database|schema)\b`)},
		{ID: "sqli_sleep", Category: "sqli", Severity: model.ThreatCritical,
			Regex: regexp.MustCompile(`(?i)(\bsleep\s*\(\s*\d+\s*\)|\bbenchmark\s*\(\s*\d+|\bwaitfor\s+delay\s+')`)},
		{ID: "sqli_information_schema", Category: "sqli", Severity: model.ThreatCritical,
			Regex: regexp.MustCompile(`(?i)\b(information_schema|pg_catalog|sysobjects)\b`)},
		{ID: "xss_script_tag", Category: "xss", Severity: model.ThreatCritical,
			Regex: regexp.MustCompile(`(?i)<\s*script[^>]*>`)},
		{ID: "xss_javascript_uri", Category: "xss", Severity: model.ThreatCritical,
			Regex: regexp.MustCompile(`(?i)\b(javascript|vbscript)\s*:`)},
		{ID: "xss_event_handler", Category: "xss", Severity: model.ThreatCritical,
			Regex: regexp.MustCompile(`(?i)<[^>]*\bon(error|load|click|mouseover|focus)\s*=`)},
		{ID: "cmdi_subshell", Category: "cmdi", Severity: model.ThreatCritical,
			Regex: regexp.MustCompile("(\\$\\(|`)\\s*(cat|ls|whoami|id|uname|wget|curl|nc|bash|sh)\\b")},
		{ID: "cmdi_pipe", Category: "cmdi", Severity: model.ThreatCritical,
			Regex: regexp.MustCompile(`(\|\s|&&)\s*(cat|ls|whoami|uname|wget|curl|nc|bash|sh|powershell)\b`)},
		{ID: "template_injection", Category: "template", Severity: model.ThreatCritical,
			Regex: regexp.MustCompile(`(\{\{.*?(__class__|__mro__|subclasses|builtins|popen|system|eval|exec).*?\}\}|\$\{.*?(Runtime|ProcessBuilder|getClass|jndi:).*?\})`)},
		{ID: "path_sensitive_files", Category: "path", Severity: model.ThreatCritical,
			Regex: regexp.MustCompile(`(?i)(\.\./)+(etc/(passwd|shadow)|proc/self/)`)},

		// medium: log and allow
		{ID: "sqli_comment_quote", Category: "sqli", Severity: model.ThreatMedium,
			Regex: regexp.MustCompile(`'\s*(--|#|/\*|;)`)},
		{ID: "sqli_select_from", Category: "sqli", Severity: model.ThreatMedium,
			Regex: regexp.MustCompile(`(?i)\bselect\b\s+[\w\*,\s]{1,80}?\bfrom\b\s+\w+`)},
		{ID: "sqli_dml", Category: "sqli", Severity: model.ThreatMedium,
			Regex: regexp.MustCompile(`(?i)\b(insert\s+into|delete\s+from|update\s+\w+\s+set|truncate\s+table)\b`)},
		{ID: "xss_embed_tag", Category: "xss", Severity: model.ThreatMedium,
			Regex: regexp.MustCompile(`(?i)<\s*(img|iframe|svg|embed|object)\b[^>]*(src|href|data)\s*=`)},
		{ID: "xss_dom", Category: "xss", Severity: model.ThreatMedium,
			Regex: regexp.MustCompile(`(?i)(document\.(cookie|write|location|domain)|\beval\s*\(|expression\s*\()`)},
		{ID: "path_traversal", Category: "path", Severity: model.ThreatMedium,
			Regex: regexp.MustCompile(`(\.\.[\\/]){2,}`)},
		{ID: "nosql_operator", Category: "nosql", Severity: model.ThreatMedium,
			Regex: regexp.MustCompile(`\$(where|ne|gt|lt|regex|nin)\b`)},
		{ID: "ssrf_metadata", Category: "ssrf", Severity: model.ThreatMedium,
			Regex: regexp.MustCompile(`169\.254\.169\.254`)},
	}
}
