package model

type ThreatSeverity string

const (
	ThreatCritical ThreatSeverity = "critical"
	ThreatMedium   ThreatSeverity = "medium"
)

type ThreatSource string

const (
	SourcePath   ThreatSource = "path"
	SourceQuery  ThreatSource = "query"
	SourceBody   ThreatSource = "body"
	SourceHeader ThreatSource = "header"
)

// ThreatScanResult is one pattern match. Excerpt is size-capped and never holds the full payload.
type ThreatScanResult struct {
	Source    ThreatSource   `json:"source"`
	Field     string         `json:"field,omitempty"`
	PatternID string         `json:"pattern_id"`
	Category  string         `json:"category"`
	Severity  ThreatSeverity `json:"severity"`
	Excerpt   string         `json:"excerpt"`
}

// HasCritical reports whether any result is critical.
func HasCritical(results []ThreatScanResult) bool {
	for _, r := range results {
		if r.Severity == ThreatCritical {
			return true
		}
	}
	return false
}
