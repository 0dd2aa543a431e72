package user_agent

import (
	_ "embed"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.elara.ws/pcre"
	"gopkg.in/yaml.v3"
)

// Robot describes a matched crawler.
type Robot struct {
	Name     string
	Category string
}

//go:embed database/bots.yml
var botsFile []byte

// Bot entry structure
type BotEntry struct {
	Regex    string `yaml:"regex"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	URL      string `yaml:"url"`
	Producer struct {
		Name string `yaml:"name"`
		URL  string `yaml:"url"`
	} `yaml:"producer"`
}

// Compiled regex cache
type RegexCache struct {
	compiled map[string]*pcre.Regexp
	mutex    sync.RWMutex
}

func newRegexCache() *RegexCache {
	return &RegexCache{
		compiled: make(map[string]*pcre.Regexp),
	}
}

func (rc *RegexCache) get(pattern string) (*pcre.Regexp, error) {
	rc.mutex.RLock()
	if regex, exists := rc.compiled[pattern]; exists {
		rc.mutex.RUnlock()
		return regex, nil
	}
	rc.mutex.RUnlock()

	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	// Double-check pattern
	if regex, exists := rc.compiled[pattern]; exists {
		return regex, nil
	}

	// Bot signatures are written case-insensitively.
	regex, err := pcre.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	rc.compiled[pattern] = regex
	return regex, nil
}

var logger = slog.Default()

// InitLogger sets the logger used to report unusable bot signatures.
func InitLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Global detector instance
var (
	detector *Detector
	once     sync.Once
)

const memoSize = 4096

// Detector matches agent strings against the embedded bot database.
// Results are memoized since the same agents repeat throughout a log.
type Detector struct {
	bots       []BotEntry
	regexCache *RegexCache
	memo       *lru.Cache[string, *Robot]
}

// NewDetector parses a bot database in the embedded YAML format.
func NewDetector(data []byte) (*Detector, error) {
	var bots []BotEntry
	if err := yaml.Unmarshal(data, &bots); err != nil {
		return nil, fmt.Errorf("failed to parse bot database: %w", err)
	}
	return NewDetectorFromEntries(bots)
}

// NewDetectorFromEntries builds a detector over bots, matched in order.
func NewDetectorFromEntries(bots []BotEntry) (*Detector, error) {
	d := &Detector{bots: bots, regexCache: newRegexCache()}
	memo, err := lru.New[string, *Robot](memoSize)
	if err != nil {
		return nil, err
	}
	d.memo = memo
	return d, nil
}

// Compile checks every signature of d.
func (d *Detector) Compile() error {
	for _, bot := range d.bots {
		if _, err := d.regexCache.get(bot.Regex); err != nil {
			return fmt.Errorf("invalid bot signature %q: %w", bot.Name, err)
		}
	}
	return nil
}

func getDetector() *Detector {
	once.Do(func() {
		d, err := NewDetector(botsFile)
		if err != nil {
			logger.Error("Error parsing bots.yml", slog.Any("error", err))
			d = &Detector{regexCache: newRegexCache()}
			d.memo, _ = lru.New[string, *Robot](memoSize)
		}
		detector = d
	})
	return detector
}

// Match returns the first bot entry matching userAgent, or nil.
func (d *Detector) Match(userAgent string) *Robot {
	if userAgent == "" {
		return nil
	}
	if r, ok := d.memo.Get(userAgent); ok {
		return r
	}

	var found *Robot
	for _, bot := range d.bots {
		regex, err := d.regexCache.get(bot.Regex)
		if err != nil {
			logger.Warn("Skipping invalid bot signature", slog.String("name", bot.Name), slog.Any("error", err))
			continue
		}
		if regex.MatchString(userAgent) {
			found = &Robot{Name: bot.Name, Category: bot.Category}
			break
		}
	}
	d.memo.Add(userAgent, found)
	return found
}

// Len returns the number of signatures loaded.
func (d *Detector) Len() int {
	return len(d.bots)
}

// DetectRobot matches userAgent against the embedded bot database.
func DetectRobot(userAgent string) *Robot {
	return getDetector().Match(userAgent)
}
