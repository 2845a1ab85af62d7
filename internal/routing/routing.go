// Package routing implements the Routing Optimizer: a set of strictly
// advisory stages — signature-keyed caching, pre-screen triage, intent
// normalization, and decomposition — that run ahead of an auction and are
// allowed to fall through on timeout or error without ever blocking a
// submission. None of these stages can be a failure mode on their own: the
// worst case is always a full auction.
package routing

import (
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	gocache "github.com/patrickmn/go-cache"
)

// CacheEntry is a remembered routing decision, keyed by Signature.
type CacheEntry struct {
	WinnerID    string
	AgentName   string
	Confidence  float64
	QueryPrefix string // first words of the original utterance, for validation prompts
	CachedAt    time.Time
}

// Cache wraps a TTL store with the routing-signature normalization, so two
// utterances that express the same intent share one entry.
type Cache struct {
	c *gocache.Cache
}

// NewCache creates a routing cache with the given TTL. Entries also die
// eagerly on the cached winner's first failure rather than waiting out the
// TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{c: gocache.New(ttl, ttl*2)}
}

var (
	// Concrete clock times: "5pm", "5:30", "17:45", "five o'clock" is out
	// of scope — digits only, matching what transcription produces.
	timePattern = regexp.MustCompile(`\b\d{1,2}(:\d{2})?\s*(am|pm)?\b`)
	dayPattern  = regexp.MustCompile(`\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	// Relative-day phrases resolve differently depending on when they're
	// said, so they can't key a cache entry literally.
	timeRefPattern = regexp.MustCompile(`\b(today|tonight|tomorrow|yesterday|this (morning|afternoon|evening|week|weekend)|next week)\b`)
)

// Signature normalizes an utterance into a cache key: lowercased,
// punctuation stripped, concrete times replaced by _TIME_, weekday names by
// _DAY_, relative-day phrases by _TIMEREF_, whitespace collapsed. It is
// idempotent: Signature(Signature(x)) == Signature(x), since the
// placeholders themselves survive another pass unchanged.
func Signature(content string) string {
	lowered := strings.ToLower(content)

	lowered = timeRefPattern.ReplaceAllString(lowered, " _timeref_ ")
	lowered = dayPattern.ReplaceAllString(lowered, " _day_ ")
	lowered = timePattern.ReplaceAllString(lowered, " _time_ ")

	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' {
			b.WriteRune(r)
		}
	}

	collapsed := strings.Join(strings.Fields(b.String()), " ")
	return strings.NewReplacer(
		"_timeref_", "_TIMEREF_",
		"_day_", "_DAY_",
		"_time_", "_TIME_",
	).Replace(collapsed)
}

// Get returns the cached routing decision for content's signature, if any.
func (c *Cache) Get(content string) (CacheEntry, bool) {
	v, ok := c.c.Get(Signature(content))
	if !ok {
		return CacheEntry{}, false
	}
	return v.(CacheEntry), true
}

// Put records a routing decision for content's signature.
func (c *Cache) Put(content string, entry CacheEntry) {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now()
	}
	if entry.QueryPrefix == "" {
		words := strings.Fields(content)
		if len(words) > 6 {
			words = words[:6]
		}
		entry.QueryPrefix = strings.Join(words, " ")
	}
	c.c.Set(Signature(content), entry, gocache.DefaultExpiration)
}

// Invalidate removes a cached decision immediately, used on the first
// failure of the cached winner so a stale route can't repeat indefinitely.
func (c *Cache) Invalidate(content string) {
	c.c.Delete(Signature(content))
}

// AgentScore is an agent's pre-screen relevance score against a task, used
// to shrink a large candidate pool before soliciting bids.
type AgentScore struct {
	AgentID string
	Score   int
}

// PreScreen narrows candidates to at most max entries when the pool is at
// least threshold-sized, keeping the highest-scoring agents. A smaller pool
// is returned as-is: pre-screening is an optimization, never a correctness
// gate, so it only kicks in when soliciting everyone would be expensive.
func PreScreen(scores []AgentScore, threshold, max int) []string {
	if len(scores) < threshold {
		ids := make([]string, len(scores))
		for i, s := range scores {
			ids[i] = s.AgentID
		}
		return ids
	}

	ranked := make([]AgentScore, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	if len(ranked) > max {
		ranked = ranked[:max]
	}
	ids := make([]string, len(ranked))
	for i, s := range ranked {
		ids[i] = s.AgentID
	}
	return ids
}

// skipPatterns are utterances intent normalization leaves untouched:
// greetings, bare confirmations, and known commands, where rewriting would
// destroy exactly the information an agent needs.
var skipPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(yes|no|ok|okay|sure|cancel|stop|hello|hey|hi|thanks|thank you)\s*[.!]?\s*$`),
	regexp.MustCompile(`^\s*\d+\s*$`),
}

// NormalizeIntent rewrites filler and disfluency out of an utterance for
// routing purposes while preserving the original in rawTranscript. Returns
// the input unchanged if it matches a skip pattern.
func NormalizeIntent(content string) (normalized string, rawTranscript string) {
	rawTranscript = content
	for _, p := range skipPatterns {
		if p.MatchString(content) {
			return content, rawTranscript
		}
	}

	fillers := []string{"um", "uh", "like", "you know", "i mean", "so yeah"}
	normalized = content
	for _, f := range fillers {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(f) + `\b`)
		normalized = re.ReplaceAllString(normalized, "")
	}
	normalized = strings.Join(strings.Fields(normalized), " ")
	if normalized == "" {
		normalized = content
	}
	return normalized, rawTranscript
}

// decompositionDenylist names utterances that look composite but must flow
// as a single task: standing multi-part requests an orchestrating agent
// handles whole, plus phrases where the conjunction is part of a name.
var decompositionDenylist = []string{
	"daily brief", "morning rundown", "daily rundown", "morning brief",
	"rock and roll", "bed and breakfast", "law and order", "checks and balances",
}

// Decompose splits an utterance into subtask strings when it looks like a
// composite request: at least 8 words, joined by a conjunction, and not on
// the denylist. Returns nil when no split applies, meaning the caller
// should submit the task whole.
func Decompose(content string) []string {
	lower := strings.ToLower(content)
	for _, d := range decompositionDenylist {
		if strings.Contains(lower, d) {
			return nil
		}
	}

	words := strings.Fields(content)
	if len(words) < 8 {
		return nil
	}

	var splitters = []string{" and then ", " then ", " and also ", "; ", " and "}
	for _, sep := range splitters {
		if idx := strings.Index(lower, sep); idx >= 0 {
			left := strings.TrimSpace(content[:idx])
			right := strings.TrimSpace(content[idx+len(sep):])
			if left != "" && right != "" {
				return []string{left, right}
			}
		}
	}
	return nil
}
