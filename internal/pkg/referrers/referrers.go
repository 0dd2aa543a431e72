// Package referrers classifies referrer URLs: which search engine sent a
// visitor, what was searched for, and how the referring site is labeled in
// reports.
package referrers

import (
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Engine describes a search engine. Host is matched as a substring of the
// referrer host, Param names the query variable carrying the terms and
// Qualifier labels the kind of search (e.g. "Images"). Name is the label
// of referrers from this engine; it is derived from Host when empty.
type Engine struct {
	Name      string `yaml:"name"`
	Host      string `yaml:"host"`
	Param     string `yaml:"param"`
	Qualifier string `yaml:"qualifier"`
}

// Site labels referrers whose host is Host or one of its subdomains.
type Site struct {
	Host string `yaml:"host"`
	Name string `yaml:"name"`
}

// DefaultEngines lists the engines recognized without a rules file.
// Entries for the same host are adjacent.
func DefaultEngines() []Engine {
	return []Engine{
		{Name: "Google", Host: "google.", Param: "q"},
		{Name: "Google", Host: "google.", Param: "as_q", Qualifier: "All Words"},
		{Name: "Google", Host: "google.", Param: "as_epq", Qualifier: "Exact Phrase"},
		{Name: "Bing", Host: "bing.com", Param: "q"},
		{Name: "DuckDuckGo", Host: "duckduckgo.com", Param: "q"},
		{Name: "Yahoo", Host: "search.yahoo.", Param: "p"},
		{Name: "Yandex", Host: "yandex.", Param: "text"},
		{Name: "Baidu", Host: "baidu.com", Param: "wd"},
		{Name: "Baidu", Host: "baidu.com", Param: "word"},
		{Name: "Ecosia", Host: "ecosia.org", Param: "q"},
		{Name: "Kagi", Host: "kagi.com", Param: "q"},
		{Name: "Brave Search", Host: "search.brave.com", Param: "q"},
		{Name: "Startpage", Host: "startpage.com", Param: "query"},
		{Name: "Ask", Host: "ask.com", Param: "q"},
	}
}

var (
	lower = cases.Lower(language.Und)
	title = cases.Title(language.Und)
)

// Classifier answers referrer questions for one set of rules.
type Classifier struct {
	engines []Engine
	sites   []Site
}

// New builds a classifier. Sites are consulted in order, before engines.
func New(engines []Engine, sites []Site) *Classifier {
	c := &Classifier{
		engines: make([]Engine, len(engines)),
		sites:   make([]Site, 0, len(sites)),
	}
	for i, e := range engines {
		if e.Name == "" {
			e.Name = engineName(e.Host)
		}
		c.engines[i] = e
	}
	for _, s := range sites {
		s.Host = strings.TrimPrefix(strings.ToLower(s.Host), "www.")
		if s.Host != "" && s.Name != "" {
			c.sites = append(c.sites, s)
		}
	}
	return c
}

// engineName turns a host pattern such as "search.yahoo." into "Yahoo".
func engineName(host string) string {
	for _, label := range strings.Split(strings.ToLower(host), ".") {
		switch label {
		case "", "www", "search":
			continue
		}
		return title.String(label)
	}
	return host
}

// Name returns the report label of a referrer host: a configured site
// name, else the name of the search engine it belongs to, else the host
// itself without "www.".
func (c *Classifier) Name(host string) string {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for _, s := range c.sites {
		if host == s.Host || strings.HasSuffix(host, "."+s.Host) {
			return s.Name
		}
	}
	for _, e := range c.engines {
		if strings.Contains(host, e.Host) {
			return e.Name
		}
	}
	return host
}

// Label is Name for a full referrer URL. URLs without a host have no
// label.
func (c *Classifier) Label(referrer string) string {
	host, _, ok := splitReferrer(referrer)
	if !ok {
		return ""
	}
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	return c.Name(host)
}

// SearchTerms extracts the search terms carried by a referrer URL. Every
// engine matching the referrer host contributes one group encoded as
// "[len]qualifier[len]terms"; count is the number of groups. Terms are
// decoded, lower-cased and have runs of spaces collapsed. When the host
// matches several engines, only the first run of adjacent matching entries
// is consulted.
func (c *Classifier) SearchTerms(referrer string) (terms string, count int) {
	host, query, ok := splitReferrer(referrer)
	if !ok || query == "" {
		return "", 0
	}

	var b strings.Builder
	matched := false
	for _, e := range c.engines {
		if !strings.Contains(host, e.Host) {
			if matched {
				break
			}
			continue
		}
		matched = true

		raw, found := queryParam(query, e.Param)
		if !found {
			continue
		}
		phrase := normalize(raw)
		if phrase == "" {
			continue
		}
		count++
		writeGroup(&b, e.Qualifier)
		writeGroup(&b, phrase)
	}
	return b.String(), count
}

func writeGroup(b *strings.Builder, s string) {
	b.WriteByte('[')
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(']')
	b.WriteString(s)
}

func splitReferrer(referrer string) (host, query string, ok bool) {
	_, rest, found := strings.Cut(referrer, "://")
	if !found {
		return "", "", false
	}
	hostPath, query, _ := strings.Cut(rest, "?")
	host, _, _ = strings.Cut(hostPath, "/")
	if i := strings.LastIndexByte(host, '@'); i >= 0 {
		host = host[i+1:]
	}
	return strings.ToLower(host), query, host != ""
}

// queryParam returns the raw value of the first non-empty occurrence of
// name in query.
func queryParam(query, name string) (string, bool) {
	for query != "" {
		var pair string
		pair, query, _ = strings.Cut(query, "&")
		k, v, _ := strings.Cut(pair, "=")
		if k == name && v != "" {
			return v, true
		}
	}
	return "", false
}

func normalize(raw string) string {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		// Keep what can be read of a badly encoded query.
		decoded = strings.ReplaceAll(raw, "+", " ")
	}
	decoded = strings.Map(func(r rune) rune {
		switch {
		case r == '\t':
			return ' '
		case r < 0x20:
			return '_'
		}
		return r
	}, decoded)
	return strings.Join(strings.Fields(lower.String(decoded)), " ")
}
