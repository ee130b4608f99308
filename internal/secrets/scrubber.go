// Package secrets redacts credentials from free text before it is written
// to task history. History is immutable and fanned out to subscribers, so a
// key that reaches it cannot be taken back.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// DefaultRedaction replaces every detected secret.
const DefaultRedaction = "[REDACTED]"

// Scrubber redacts secrets from text.
type Scrubber interface {
	Scrub(content string) Result
}

// Result is the outcome of one Scrub call. Matched values are never kept.
type Result struct {
	Scrubbed string
	// ByRule counts findings per gitleaks rule id.
	ByRule map[string]int
}

// Findings returns the total number of redacted matches.
func (r Result) Findings() int {
	n := 0
	for _, c := range r.ByRule {
		n += c
	}
	return n
}

// RuleIDs returns the ids of matching rules, sorted.
func (r Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Detector scrubs text with the gitleaks default rule set.
type Detector struct {
	config    gitleaksConfig.Config
	allow     []string
	redaction string
}

// Option configures a Detector.
type Option func(*Detector) error

// WithAllowList ignores findings whose content matches any of patterns.
func WithAllowList(patterns ...string) Option {
	return func(d *Detector) error {
		for _, p := range patterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
			}
			d.allow = append(d.allow, p)
		}
		return nil
	}
}

// WithRedaction sets the replacement text.
func WithRedaction(r string) Option {
	return func(d *Detector) error {
		if r != "" {
			d.redaction = r
		}
		return nil
	}
}

// New loads the gitleaks default config once. Each Scrub call gets a fresh
// detector built from it, since a gitleaks detector accumulates findings.
func New(opts ...Option) (*Detector, error) {
	base, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks config: %w", err)
	}
	d := &Detector{config: base.Config, redaction: DefaultRedaction}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if len(d.allow) > 0 {
		applyAllowList(&d.config, d.allow)
	}
	return d, nil
}

func applyAllowList(cfg *gitleaksConfig.Config, patterns []string) {
	global := &gitleaksConfig.Allowlist{Description: "taskd allow list"}
	for _, p := range patterns {
		re := regexp.MustCompile(p)
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, patterns...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}

// Scrub implements Scrubber.
func (d *Detector) Scrub(content string) Result {
	res := Result{Scrubbed: content}
	if content == "" {
		return res
	}

	findings := detect.NewDetector(d.config).DetectString(content)
	if len(findings) == 0 {
		return res
	}

	secrets := make([]string, 0, len(findings))
	for _, f := range findings {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || !strings.Contains(content, secret) {
			continue
		}
		if res.ByRule == nil {
			res.ByRule = make(map[string]int)
		}
		res.ByRule[f.RuleID]++
		secrets = append(secrets, secret)
	}

	// Longest first so a secret containing another is replaced whole.
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
	scrubbed := content
	for _, s := range secrets {
		scrubbed = strings.ReplaceAll(scrubbed, s, d.redaction)
	}
	res.Scrubbed = scrubbed
	return res
}

// Nop leaves text unchanged.
type Nop struct{}

// Scrub implements Scrubber.
func (Nop) Scrub(content string) Result { return Result{Scrubbed: content} }
