package config

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"webalyze/internal/pkg/referrers"
)

// Pattern is a list entry: "*x" matches a suffix, "x*" a prefix and
// anything else a substring. Matching is case-sensitive.
type Pattern string

func (p Pattern) Match(s string) bool {
	pat := string(p)
	switch {
	case pat == "" || pat == "*":
		return pat == "*"
	case strings.HasPrefix(pat, "*") && strings.HasSuffix(pat, "*") && len(pat) > 1:
		return strings.Contains(s, pat[1:len(pat)-1])
	case strings.HasPrefix(pat, "*"):
		return strings.HasSuffix(s, pat[1:])
	case strings.HasSuffix(pat, "*"):
		return strings.HasPrefix(s, pat[:len(pat)-1])
	default:
		return strings.Contains(s, pat)
	}
}

// Patterns is a list of patterns matched in order.
type Patterns []Pattern

// Match reports whether any pattern matches s.
func (ps Patterns) Match(s string) bool {
	for _, p := range ps {
		if p.Match(s) {
			return true
		}
	}
	return false
}

// GroupRule folds every value matching Pattern into a group named Name.
type GroupRule struct {
	Pattern Pattern `yaml:"pattern"`
	Name    string  `yaml:"name"`
}

// GroupRules are evaluated in order; the first match wins.
type GroupRules []GroupRule

// Find returns the group name of the first rule matching s.
func (rs GroupRules) Find(s string) (string, bool) {
	for _, r := range rs {
		if r.Pattern.Match(s) {
			return r.Name, true
		}
	}
	return "", false
}

// DownloadRule names a class of downloadable URLs.
type DownloadRule struct {
	Name    string  `yaml:"name"`
	Pattern Pattern `yaml:"pattern"`
}

// Rules holds the list-driven aggregation policy.
type Rules struct {
	Robots        []RobotRule        `yaml:"robots"`
	GroupRobots   bool               `yaml:"group_robots"`
	SpamReferrers Patterns           `yaml:"spam_referrers"`
	SearchEngines []referrers.Engine `yaml:"search_engines"`
	// ReferrerNames label referring sites in reports.
	ReferrerNames []referrers.Site `yaml:"referrer_names"`

	GroupHosts     GroupRules `yaml:"group_hosts"`
	GroupURLs      GroupRules `yaml:"group_urls"`
	GroupReferrers GroupRules `yaml:"group_referrers"`
	GroupAgents    GroupRules `yaml:"group_agents"`
	GroupUsers     GroupRules `yaml:"group_users"`

	Downloads  []DownloadRule `yaml:"downloads"`
	TargetURLs Patterns       `yaml:"target_urls"`

	PageTypes    []string `yaml:"page_types"`
	IndexAliases []string `yaml:"index_aliases"`

	IgnoreHosts     Patterns `yaml:"ignore_hosts"`
	IgnoreURLs      Patterns `yaml:"ignore_urls"`
	IgnoreReferrers Patterns `yaml:"ignore_referrers"`
	IgnoreAgents    Patterns `yaml:"ignore_agents"`
	IgnoreUsers     Patterns `yaml:"ignore_users"`

	HideReferrers Patterns `yaml:"hide_referrers"`
}

// RobotRule marks agents matching Pattern (PCRE syntax) as robots and
// reports them under Name.
type RobotRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// DefaultRules is the policy used when no rules file is configured.
func DefaultRules() *Rules {
	return &Rules{
		SearchEngines: referrers.DefaultEngines(),
		PageTypes:     []string{"htm", "html", "php", "asp", "aspx", "jsp", "cgi", "pl", "shtml"},
		IndexAliases:  []string{"index.html", "index.htm", "index.php"},
	}
}

// LoadRules reads a YAML rules file. An empty path yields DefaultRules.
// Lists left empty in the file fall back to the defaults.
func LoadRules(file string) (*Rules, error) {
	rules := DefaultRules()
	if file == "" {
		return rules, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var loaded Rules
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", file, err)
	}
	if len(loaded.PageTypes) == 0 {
		loaded.PageTypes = rules.PageTypes
	}
	if len(loaded.IndexAliases) == 0 {
		loaded.IndexAliases = rules.IndexAliases
	}
	if len(loaded.SearchEngines) == 0 {
		loaded.SearchEngines = rules.SearchEngines
	}
	return &loaded, nil
}

// IsPage reports whether url names a page: a directory or a file whose
// extension is one of the page types.
func (r *Rules) IsPage(url string) bool {
	p, _, _ := strings.Cut(url, "?")
	if p == "" || strings.HasSuffix(p, "/") {
		return true
	}
	ext := strings.TrimPrefix(path.Ext(p), ".")
	if ext == "" {
		return true
	}
	ext = strings.ToLower(ext)
	for _, pt := range r.PageTypes {
		if ext == pt {
			return true
		}
	}
	return false
}

// StripIndexAlias reduces ".../index.html" to ".../" for every configured
// alias, keeping any query string.
func (r *Rules) StripIndexAlias(url string) string {
	p, query, hasQuery := strings.Cut(url, "?")
	for _, alias := range r.IndexAliases {
		if strings.HasSuffix(p, "/"+alias) {
			p = strings.TrimSuffix(p, alias)
			break
		}
	}
	if hasQuery {
		return p + "?" + query
	}
	return p
}

// Download returns the name of the first download rule matching url.
func (r *Rules) Download(url string) (string, bool) {
	for _, d := range r.Downloads {
		if d.Pattern.Match(url) {
			return d.Name, true
		}
	}
	return "", false
}
