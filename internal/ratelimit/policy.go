package ratelimit

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/config"
)

type Class string

const (
	ClassCritical   Class = "critical"
	ClassAuth       Class = "auth"
	ClassSubmission Class = "submission"
	ClassReadOnly   Class = "read-only"
	ClassDefault    Class = "default"
)

// Rule is one row of the classification table.
type Rule struct {
	Class         Class
	Keywords      []string
	Methods       []string
	Window        time.Duration
	Anonymous     int
	Authenticated int
}

// Limit returns the request budget for the caller's auth state.
func (r Rule) Limit(authenticated bool) int {
	if authenticated {
		return r.Authenticated
	}
	return r.Anonymous
}

func (r Rule) matches(method, route string) bool {
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	for _, kw := range r.Keywords {
		if strings.Contains(route, kw) {
			return true
		}
	}
	return false
}

// Policy is an ordered rule table. Classify walks it top to bottom and the first
// matching rule wins; the fallback applies when nothing matches.
type Policy struct {
	rules    []Rule
	fallback Rule
}

func DefaultRules() []Rule {
	return []Rule{
		{
			Class:         ClassCritical,
			Keywords:      []string{"admin", "delete", "destroy", "purge", "remove", "revoke", "wipe"},
			Methods:       []string{http.MethodDelete},
			Window:        5 * time.Minute,
			Anonymous:     15,
			Authenticated: 30,
		},
		{
			Class:         ClassAuth,
			Keywords:      []string{"auth", "login", "logout", "register", "signup", "password", "token", "session", "mfa", "otp", "verify"},
			Window:        2 * time.Minute,
			Anonymous:     20,
			Authenticated: 40,
		},
		{
			Class:         ClassSubmission,
			Keywords:      []string{"create", "upload", "submit", "import", "send", "document", "video"},
			Window:        time.Minute,
			Anonymous:     25,
			Authenticated: 50,
		},
		{
			Class:         ClassReadOnly,
			Keywords:      []string{"list", "search", "view", "info", "status", "templates", "progress"},
			Methods:       []string{http.MethodGet, http.MethodHead},
			Window:        time.Minute,
			Anonymous:     60,
			Authenticated: 100,
		},
	}
}

func defaultFallback() Rule {
	return Rule{Class: ClassDefault, Window: time.Minute, Anonymous: 30, Authenticated: 60}
}

func DefaultPolicy() *Policy {
	return &Policy{rules: DefaultRules(), fallback: defaultFallback()}
}

func NewPolicy(rules []Rule, fallback Rule) (*Policy, error) {
	for _, r := range append(append([]Rule{}, rules...), fallback) {
		if r.Window <= 0 {
			return nil, fmt.Errorf("rate limit class %q: window must be positive", r.Class)
		}
		if r.Anonymous <= 0 || r.Authenticated <= 0 {
			return nil, fmt.Errorf("rate limit class %q: limits must be positive", r.Class)
		}
	}
	p := &Policy{fallback: fallback}
	for _, r := range rules {
		r.Keywords = lowerAll(r.Keywords)
		p.rules = append(p.rules, r)
	}
	return p, nil
}

// PolicyFromConfig builds the table from configuration rows, keeping their order.
// A row named "default" becomes the fallback. No rows means the built-in table.
func PolicyFromConfig(rows []config.RouteClassConfig) (*Policy, error) {
	if len(rows) == 0 {
		return DefaultPolicy(), nil
	}
	fallback := defaultFallback()
	rules := make([]Rule, 0, len(rows))
	for _, row := range rows {
		r := Rule{
			Class:         Class(row.Name),
			Keywords:      row.Keywords,
			Methods:       row.Methods,
			Window:        time.Duration(row.WindowSeconds) * time.Second,
			Anonymous:     row.Anonymous,
			Authenticated: row.Authenticated,
		}
		if r.Class == ClassDefault {
			fallback = r
			continue
		}
		rules = append(rules, r)
	}
	return NewPolicy(rules, fallback)
}

// Classify maps a method and route to its rule. Matching is a case-insensitive substring test.
func (p *Policy) Classify(method, route string) Rule {
	route = strings.ToLower(route)
	for _, r := range p.rules {
		if r.matches(method, route) {
			return r
		}
	}
	return p.fallback
}

func (p *Policy) Rule(class Class) (Rule, bool) {
	if class == p.fallback.Class {
		return p.fallback, true
	}
	for _, r := range p.rules {
		if r.Class == class {
			return r, true
		}
	}
	return Rule{}, false
}

// Rules returns the ordered table followed by the fallback.
func (p *Policy) Rules() []Rule {
	out := make([]Rule, 0, len(p.rules)+1)
	out = append(out, p.rules...)
	return append(out, p.fallback)
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
