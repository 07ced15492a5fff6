package threat

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/signature"
	"github.com/GoPolymarket/shieldgate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	return SettingsFromConfig(config.ThreatConfig{
		FailOpen:         true,
		SafePaths:        []string{"/api/health", "/api/status", "/api/ping"},
		SafeContentTypes: []string{"image/", "application/octet-stream"},
		ScannedHeaders:   []string{"User-Agent", "Referer"},
	}, 0)
}

func newTestScanner() (*Scanner, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return NewScanner(testSettings(), st, signature.New("test")), st
}

func queryReq(path string, q url.Values) *model.RequestContext {
	return &model.RequestContext{
		Method:  http.MethodGet,
		Path:    path,
		Headers: http.Header{"User-Agent": []string{"Mozilla/5.0 (X11; Linux x86_64)"}},
		Query:   model.FromValues(q),
	}
}

func TestScanCriticalOrTrue(t *testing.T) {
	s, _ := newTestScanner()
	out, err := s.Scan(context.Background(), queryReq("/api/items", url.Values{"q": {"' OR 1=1 --"}}))
	require.NoError(t, err)
	require.True(t, out.Critical)
	require.NotEmpty(t, out.Findings)

	last := out.Findings[len(out.Findings)-1]
	assert.Equal(t, model.ThreatCritical, last.Severity)
	assert.Equal(t, model.SourceQuery, last.Source)
	assert.Equal(t, "sqli_or_true", last.PatternID)
	assert.LessOrEqual(t, len(last.Excerpt), excerptBytes)
}

func TestScanBenignSelectIsNotCritical(t *testing.T) {
	s, _ := newTestScanner()
	out, err := s.Scan(context.Background(), queryReq("/api/items", url.Values{"q": {"I select blue"}}))
	require.NoError(t, err)
	assert.False(t, out.Critical)
	assert.Empty(t, out.Findings)
}

func TestScanCriticalPayloads(t *testing.T) {
	s, _ := newTestScanner()
	payloads := []string{
		"1 UNION SELECT password FROM users",
		"x'; DROP TABLE users; --",
		"<script>alert(1)</script>",
		"%3Cscript%3Ealert(1)%3C%2Fscript%3E",
		"&lt;script&gt;alert(1)&lt;/script&gt;",
		"javascript:alert(document.cookie)",
		"<img src=x onerror=alert(1)>",
		"1' AND SLEEP(5)",
		"$(cat /etc/passwd)",
		"../../../etc/passwd",
		"{{ ''.__class__.__mro__ }}",
		"id=1 or 2=2",
	}
	for _, p := range payloads {
		out := s.ScanString(p)
		assert.True(t, model.HasCritical(out), "expected critical for %q", p)
	}
}

func TestScanReachesEveryCriticalPattern(t *testing.T) {
	samples := map[string][]string{
		"sqli_or_true":            {"' OR 1=1 --", "admin' or 'a'='a"},
		"sqli_or_numeric":         {"id=1 or 2=2", "x/**/or 2=2"},
		"sqli_union":              {"1 UNION SELECT password FROM users", "0 union all select 1"},
		"sqli_stacked":            {"1;DROP/**/TABLE users", "1;drop(table)", "x;truncate t"},
		"sqli_drop":               {"drop table users"},
		"sqli_sleep":              {"1 AND SLEEP(5)", "benchmark(1000000,md5(1))"},
		"sqli_information_schema": {"information_schema.tables"},
		"xss_script_tag":          {"<script>alert(1)</script>", "<SCRIPT src=//x>"},
		"xss_javascript_uri":      {"javascript:alert(1)"},
		"xss_event_handler":       {"<body onload=alert(1)>"},
		"cmdi_subshell":           {"$(whoami)"},
		"cmdi_pipe":               {"a | cat /etc/hosts", "x&&whoami"},
		"template_injection":      {"{{ ''.__class__ }}", "${jndi:ldap://x}"},
		"path_sensitive_files":    {"../../etc/passwd"},
	}

	s, _ := newTestScanner()
	for _, p := range s.Patterns() {
		if p.Severity != model.ThreatCritical {
			continue
		}
		require.NotEmpty(t, samples[p.ID], "critical pattern %s has no sample payload", p.ID)
	}

	for id, payloads := range samples {
		for _, payload := range payloads {
			s, _ := newTestScanner()
			out, err := s.Scan(context.Background(), queryReq("/api/items", url.Values{"q": {payload}}))
			require.NoError(t, err)
			require.True(t, out.Critical, "%s: %q was not flagged", id, payload)
			assert.Equal(t, id, out.Findings[len(out.Findings)-1].PatternID, "payload %q", payload)

			// the clean-cache entry must not have been written for it
			out, err = s.Scan(context.Background(), queryReq("/api/items", url.Values{"q": {payload}}))
			require.NoError(t, err)
			assert.True(t, out.Critical)
		}
	}
}

func TestScanBenignInputs(t *testing.T) {
	s, _ := newTestScanner()
	benign := []string{
		"I select blue",
		"Please update my address",
		"Tom & Jerry",
		"O'Brien",
		"He said \"yes\" or \"no\"",
		"my favourite colour is red; I also like green",
		"search for items",
		"100% satisfied",
	}
	for _, p := range benign {
		assert.False(t, model.HasCritical(s.ScanString(p)), "false positive for %q", p)
	}
}

func TestScanMediumIsReportedNotCritical(t *testing.T) {
	s, _ := newTestScanner()
	out, err := s.Scan(context.Background(), queryReq("/api/items", url.Values{"q": {"select name from products"}}))
	require.NoError(t, err)
	assert.False(t, out.Critical)
	require.Len(t, out.Medium(), 1)
	assert.Equal(t, "sqli_select_from", out.Medium()[0].PatternID)
}

func TestScanNestedBody(t *testing.T) {
	s, _ := newTestScanner()
	body, err := model.DecodeJSON(strings.NewReader(`{"profile":{"notes":["ok","<script>x</script>"]}}`), 32)
	require.NoError(t, err)
	rc := &model.RequestContext{Method: http.MethodPost, Path: "/api/profile", Body: body, ContentType: "application/json"}

	out, err := s.Scan(context.Background(), rc)
	require.NoError(t, err)
	require.True(t, out.Critical)
	f := out.Findings[len(out.Findings)-1]
	assert.Equal(t, model.SourceBody, f.Source)
	assert.Equal(t, "profile.notes[]", f.Field)
}

func TestScanHeader(t *testing.T) {
	s, _ := newTestScanner()
	rc := queryReq("/api/items", nil)
	rc.Headers.Set("Referer", "https://example.com/?q=1 UNION SELECT 1")
	out, err := s.Scan(context.Background(), rc)
	require.NoError(t, err)
	assert.True(t, out.Critical)
	assert.Equal(t, model.SourceHeader, out.Findings[len(out.Findings)-1].Source)
}

func TestScanBypass(t *testing.T) {
	s, _ := newTestScanner()
	ctx := context.Background()

	out, err := s.Scan(ctx, queryReq("/api/health/db", url.Values{"q": {"<script>"}}))
	require.NoError(t, err)
	assert.True(t, out.Bypassed)

	out, err = s.Scan(ctx, queryReq("/api/health-questionnaires", url.Values{"q": {"<script>"}}))
	require.NoError(t, err)
	assert.False(t, out.Bypassed)
	assert.True(t, out.Critical)

	rc := queryReq("/api/upload", url.Values{"q": {"<script>"}})
	rc.ContentType = "image/png"
	out, err = s.Scan(ctx, rc)
	require.NoError(t, err)
	assert.True(t, out.Bypassed)
}

func TestScanCachesResults(t *testing.T) {
	s, st := newTestScanner()
	ctx := context.Background()
	rc := queryReq("/api/items", url.Values{"q": {"hello"}})

	out, err := s.Scan(ctx, rc)
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.Equal(t, 1, st.Len())

	out, err = s.Scan(ctx, rc)
	require.NoError(t, err)
	assert.True(t, out.Cached)
	assert.Empty(t, out.Findings)

	bad := queryReq("/api/items", url.Values{"q": {"<script>"}})
	_, err = s.Scan(ctx, bad)
	require.NoError(t, err)
	out, err = s.Scan(ctx, bad)
	require.NoError(t, err)
	assert.True(t, out.Cached)
	assert.True(t, out.Critical)
}

func TestScanTimeoutFailOpen(t *testing.T) {
	s, _ := newTestScanner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := s.Scan(ctx, queryReq("/api/items", url.Values{"q": {"select name from t"}}))
	require.NoError(t, err)
	assert.True(t, out.Degraded)
}

func TestScanTimeoutFailClosed(t *testing.T) {
	settings := testSettings()
	settings.FailOpen = false
	s := NewScanner(settings, nil, signature.New("test"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Scan(ctx, queryReq("/api/items", url.Values{"q": {"select name from t"}}))
	assert.Error(t, err)
}

func TestNormalizeCapsBeforeDecoding(t *testing.T) {
	in := strings.Repeat("%41", 10_000)
	out := normalize(in, 1024)
	assert.LessOrEqual(t, len(out), 1024)
	assert.True(t, strings.HasPrefix(out, "AAAA"))
}

func TestBlockListThreshold(t *testing.T) {
	st := store.NewMemoryStore()
	bl := NewBlockList(st, config.ThreatConfig{BlockThreshold: 3, ViolationWindowSeconds: 60, BlockSeconds: 900, FailOpen: true}, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		blocked, err := bl.RecordViolation(ctx, "client-a")
		require.NoError(t, err)
		assert.False(t, blocked)
	}
	blocked, _, _, err := bl.IsBlocked(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, blocked)

	blocked, err = bl.RecordViolation(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, remaining, _, err := bl.IsBlocked(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.InDelta(t, (900 * time.Second).Seconds(), remaining.Seconds(), 2)

	blocked, _, _, _ = bl.IsBlocked(ctx, "client-b")
	assert.False(t, blocked)

	require.NoError(t, bl.Unblock(ctx, "client-a"))
	blocked, _, _, _ = bl.IsBlocked(ctx, "client-a")
	assert.False(t, blocked)
}

func TestPercentDecodeTolerant(t *testing.T) {
	assert.Equal(t, "<script>%zz", percentDecode("%3Cscript%3E%zz"))
	assert.Equal(t, "100% sure", percentDecode("100% sure"))
	assert.Equal(t, "a%", percentDecode("a%"))
}
