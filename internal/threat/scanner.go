package threat

import (
	"context"
	"encoding/json"
	"mime"
	"regexp"
	"strings"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/shieldgate/internal/pkg/logger"
	"github.com/GoPolymarket/shieldgate/internal/pkg/metrics"
	"github.com/GoPolymarket/shieldgate/internal/signature"
	"github.com/GoPolymarket/shieldgate/internal/store"
)

const (
	maxFindings    = 16
	excerptBytes   = 64
	cacheKeyPrefix = "threat:scan:"
)

type Settings struct {
	MaxValueBytes    int
	MaxDepth         int
	CleanTTL         time.Duration
	HitTTL           time.Duration
	SafePaths        []string
	SafeContentTypes []string
	ScannedHeaders   []string
	FailOpen         bool
	StoreTimeout     time.Duration
}

func SettingsFromConfig(c config.ThreatConfig, storeTimeout time.Duration) Settings {
	s := Settings{
		MaxValueBytes:    c.MaxValueBytes,
		MaxDepth:         c.MaxDepth,
		CleanTTL:         time.Duration(c.CleanCacheSeconds) * time.Second,
		HitTTL:           time.Duration(c.HitCacheSeconds) * time.Second,
		SafePaths:        c.SafePaths,
		SafeContentTypes: c.SafeContentTypes,
		ScannedHeaders:   c.ScannedHeaders,
		FailOpen:         c.FailOpen,
		StoreTimeout:     storeTimeout,
	}
	if s.MaxValueBytes <= 0 {
		s.MaxValueBytes = 10 * 1024
	}
	if s.MaxDepth <= 0 {
		s.MaxDepth = 32
	}
	if s.CleanTTL <= 0 {
		s.CleanTTL = 10 * time.Minute
	}
	if s.HitTTL <= 0 {
		s.HitTTL = time.Minute
	}
	return s
}

// Outcome is what one Scan observed.
type Outcome struct {
	Findings []model.ThreatScanResult
	Critical bool
	Cached   bool
	Bypassed bool
	// Degraded is set when the scan was cut short and the request let through.
	Degraded bool
}

// Medium returns the non-critical findings.
func (o Outcome) Medium() []model.ThreatScanResult {
	var out []model.ThreatScanResult
	for _, f := range o.Findings {
		if f.Severity == model.ThreatMedium {
			out = append(out, f)
		}
	}
	return out
}

type field struct {
	source model.ThreatSource
	name   string
	value  string
}

// Scanner runs a cheap keyword pass over every scannable string and only falls
// through to the regex table when a keyword or a critical pattern hits. Results are cached by
// payload digest.
type Scanner struct {
	settings Settings
	store    store.Store
	sig      *signature.Builder
	patterns []Pattern
	critical *regexp.Regexp
}

// NewScanner builds a scanner; st may be nil to disable result caching.
func NewScanner(settings Settings, st store.Store, sig *signature.Builder) *Scanner {
	patterns := compilePatterns()
	return &Scanner{
		settings: settings,
		store:    st,
		sig:      sig,
		patterns: patterns,
		critical: criticalPrefilter(patterns),
	}
}

func (s *Scanner) Patterns() []Pattern {
	return s.patterns
}

// Bypass reports whether the request skips scanning because of its route or content type.
func (s *Scanner) Bypass(rc *model.RequestContext) bool {
	if model.PathMatches(rc.Path, s.settings.SafePaths) {
		return true
	}
	if rc.ContentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(rc.ContentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(rc.ContentType))
	}
	for _, safe := range s.settings.SafeContentTypes {
		if safe != "" && strings.HasPrefix(mt, strings.ToLower(safe)) {
			return true
		}
	}
	return false
}

func (s *Scanner) Scan(ctx context.Context, rc *model.RequestContext) (Outcome, error) {
	if s.Bypass(rc) {
		metrics.ThreatScans.WithLabelValues("bypass").Inc()
		return Outcome{Bypassed: true}, nil
	}

	fields := s.collect(rc)
	digest := s.digest(fields)

	if cached, ok := s.cacheGet(ctx, digest); ok {
		metrics.ThreatScans.WithLabelValues("cache").Inc()
		return Outcome{Findings: cached, Critical: model.HasCritical(cached), Cached: true}, nil
	}

	if !s.fastHit(fields) {
		metrics.ThreatScans.WithLabelValues("fast").Inc()
		s.cachePut(ctx, digest, nil, s.settings.CleanTTL)
		return Outcome{}, nil
	}

	metrics.ThreatScans.WithLabelValues("slow").Inc()
	findings, err := s.slowPass(ctx, fields)
	out := Outcome{Findings: findings, Critical: model.HasCritical(findings)}
	if err != nil {
		if out.Critical {
			return out, nil
		}
		if !s.settings.FailOpen {
			return out, apperrors.NewDependencyUnavailable("threat_scanner", err)
		}
		metrics.Degraded.WithLabelValues("threat").Inc()
		logger.WarnThrottled("threat.degraded", "threat scan interrupted, allowing request", "error", err)
		out.Degraded = true
		return out, nil
	}

	for _, f := range findings {
		metrics.ThreatDetections.WithLabelValues(string(f.Severity)).Inc()
	}
	ttl := s.settings.HitTTL
	if len(findings) == 0 {
		ttl = s.settings.CleanTTL
	}
	s.cachePut(ctx, digest, findings, ttl)
	return out, nil
}

// ScanString runs both passes over a single value. Used by the inspector CLI.
func (s *Scanner) ScanString(value string) []model.ThreatScanResult {
	fields := []field{{source: model.SourceBody, name: "input", value: normalize(value, s.settings.MaxValueBytes)}}
	if !s.fastHit(fields) {
		return nil
	}
	findings, _ := s.slowPass(context.Background(), fields)
	return findings
}

func (s *Scanner) collect(rc *model.RequestContext) []field {
	limit := s.settings.MaxValueBytes
	fields := []field{{source: model.SourcePath, name: "path", value: normalize(rc.Path, limit)}}

	add := func(src model.ThreatSource) model.Visitor {
		return func(path, v string) bool {
			if v != "" {
				fields = append(fields, field{source: src, name: path, value: normalize(v, limit)})
			}
			return true
		}
	}
	rc.Query.WalkStrings(s.settings.MaxDepth, add(model.SourceQuery))
	rc.Body.WalkStrings(s.settings.MaxDepth, add(model.SourceBody))

	for _, h := range s.settings.ScannedHeaders {
		if v := rc.Header(h); v != "" {
			fields = append(fields, field{source: model.SourceHeader, name: h, value: normalize(v, limit)})
		}
	}
	return fields
}

func (s *Scanner) digest(fields []field) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(string(f.source))
		b.WriteByte(0)
		b.WriteString(f.name)
		b.WriteByte(0)
		b.WriteString(f.value)
		b.WriteByte(0)
	}
	return s.sig.PayloadDigest([]byte(b.String()))
}

func (s *Scanner) fastHit(fields []field) bool {
	for _, f := range fields {
		v := collapse(f.value)
		for _, kw := range fastKeywords {
			if strings.Contains(v, kw) {
				return true
			}
		}
		if strings.Contains(v, " or ") && strings.Contains(v, "=") {
			return true
		}
	}
	for _, f := range fields {
		if s.critical.MatchString(f.value) {
			return true
		}
	}
	return false
}

// slowPass matches the pattern table field by field. The first critical match ends the scan.
func (s *Scanner) slowPass(ctx context.Context, fields []field) ([]model.ThreatScanResult, error) {
	var findings []model.ThreatScanResult
	seen := make(map[string]struct{})
	for _, f := range fields {
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		for _, p := range s.patterns {
			loc := p.Regex.FindStringIndex(f.value)
			if loc == nil {
				continue
			}
			key := p.ID + "\x00" + string(f.source) + "\x00" + f.name
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			findings = append(findings, model.ThreatScanResult{
				Source:    f.source,
				Field:     f.name,
				PatternID: p.ID,
				Category:  p.Category,
				Severity:  p.Severity,
				Excerpt:   excerpt(f.value, loc[0], loc[1], excerptBytes),
			})
			if p.Severity == model.ThreatCritical || len(findings) >= maxFindings {
				return findings, nil
			}
		}
	}
	return findings, nil
}

func (s *Scanner) cacheGet(ctx context.Context, digest string) ([]model.ThreatScanResult, bool) {
	if s.store == nil {
		return nil, false
	}
	sctx, cancel := store.WithTimeout(ctx, s.settings.StoreTimeout)
	defer cancel()
	raw, ok, err := s.store.Get(sctx, cacheKeyPrefix+digest)
	if err != nil {
		logger.WarnThrottled("threat.cache", "threat cache read failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var findings []model.ThreatScanResult
	if err := json.Unmarshal([]byte(raw), &findings); err != nil {
		return nil, false
	}
	return findings, true
}

func (s *Scanner) cachePut(ctx context.Context, digest string, findings []model.ThreatScanResult, ttl time.Duration) {
	if s.store == nil {
		return
	}
	if findings == nil {
		findings = []model.ThreatScanResult{}
	}
	data, err := json.Marshal(findings)
	if err != nil {
		return
	}
	sctx, cancel := store.WithTimeout(ctx, s.settings.StoreTimeout)
	defer cancel()
	if err := s.store.Put(sctx, cacheKeyPrefix+digest, string(data), ttl); err != nil {
		logger.WarnThrottled("threat.cache", "threat cache write failed", "error", err)
	}
}
