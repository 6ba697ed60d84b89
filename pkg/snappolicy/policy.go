// Retention policy language: "4 hourly; 7 daily; 5 * 6 weeks"
package snappolicy

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// shortest snapshot spacing we accept. anything tighter is almost certainly a typo
// (and would make the external scheduler's jitter dominate)
const MinIntervalSeconds = 60

type Rule struct {
	Raw     string // rule as the user wrote it (trimmed)
	Seconds int64  // spacing between snapshots
	Count   int    // how many spacings back we retain
}

// snapshots created before the cutoff are no longer retained by this rule
func (r Rule) Cutoff(now time.Time) time.Time {
	// time.Duration overflows at ~292 years. such a window retains everything anyway
	if r.Seconds > maxDurationSeconds/int64(r.Count) {
		return time.Time{}
	}

	return now.Add(-time.Duration(r.Seconds*int64(r.Count)) * time.Second)
}

// renders the rule in a canonical form that parses back to identical (Seconds, Count)
func (r Rule) Normalized() string {
	for _, u := range canonicalUnits {
		if r.Seconds%u.seconds == 0 {
			return fmt.Sprintf("%d * %d %s", r.Count, r.Seconds/u.seconds, u.name)
		}
	}

	// unreachable, "second" divides everything
	return fmt.Sprintf("%d * %d second", r.Count, r.Seconds)
}

type Policy []Rule

func (p Policy) String() string {
	parts := make([]string, 0, len(p))
	for _, rule := range p {
		parts = append(parts, rule.Normalized())
	}

	return strings.Join(parts, "; ")
}

func (p Policy) Lookup(seconds int64) (Rule, bool) {
	for _, rule := range p {
		if rule.Seconds == seconds {
			return rule, true
		}
	}

	return Rule{}, false
}

type ParseError struct {
	Rule   string
	Reason string
}

func (p *ParseError) Error() string {
	return fmt.Sprintf("invalid policy rule %q: %s", p.Rule, p.Reason)
}

var (
	// "<count> * <multiplier> <period>"
	multipliedRuleRe = regexp.MustCompile(`^(\d+)\s*\*\s*(\d+(?:\.\d*)?|\.\d+)\s*([a-z]+)$`)
	// "[count] [*] <period>"
	simpleRuleRe = regexp.MustCompile(`^(?:(\d+)\s*)?(?:\*\s*)?([a-z]+)$`)
	// "[amount] <period>", used for durations (not rules)
	intervalRe = regexp.MustCompile(`^(\d+(?:\.\d*)?|\.\d+)?\s*([a-z]+)$`)
)

// Parse parses rules separated by ";". blank spec is an empty policy.
func Parse(spec string) (Policy, error) {
	policy := Policy{}

	for _, raw := range strings.Split(spec, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		rule, err := parseRule(raw)
		if err != nil {
			return nil, err
		}

		if _, duplicate := policy.Lookup(rule.Seconds); duplicate {
			return nil, &ParseError{raw, fmt.Sprintf("interval of %d seconds already used by an earlier rule", rule.Seconds)}
		}

		policy = append(policy, *rule)
	}

	return policy, nil
}

func parseRule(raw string) (*Rule, error) {
	normalized := strings.ToLower(raw)

	var countStr, multiplierStr, periodName string

	if match := multipliedRuleRe.FindStringSubmatch(normalized); match != nil {
		countStr, multiplierStr, periodName = match[1], match[2], match[3]
	} else if match := simpleRuleRe.FindStringSubmatch(normalized); match != nil {
		countStr, periodName = match[1], match[2]
	} else {
		return nil, &ParseError{raw, `expecting "[count] [*] <period>" or "<count> * <multiplier> <period>"`}
	}

	periodSeconds, found := periodSynonyms[periodName]
	if !found {
		return nil, &ParseError{raw, fmt.Sprintf("unknown period %q", periodName)}
	}

	count := 1
	if countStr != "" {
		var err error
		count, err = strconv.Atoi(countStr)
		if err != nil {
			return nil, &ParseError{raw, fmt.Sprintf("bad count: %v", err)}
		}
	}

	if count < 1 {
		return nil, &ParseError{raw, "count must be at least 1"}
	}

	seconds := periodSeconds
	if multiplierStr != "" {
		multiplier, err := strconv.ParseFloat(multiplierStr, 64)
		if err != nil {
			return nil, &ParseError{raw, fmt.Sprintf("bad multiplier: %v", err)}
		}

		scaled := math.Round(multiplier * float64(periodSeconds))
		if scaled > maxDurationSeconds {
			return nil, &ParseError{raw, "interval too long"}
		}

		seconds = int64(scaled)
	}

	if seconds < MinIntervalSeconds {
		return nil, &ParseError{raw, fmt.Sprintf("interval of %d seconds is below the minimum of %d", seconds, MinIntervalSeconds)}
	}

	return &Rule{
		Raw:     raw,
		Seconds: seconds,
		Count:   count,
	}, nil
}

// ParseInterval parses "[amount] <period>" into a duration, e.g. "2 weeks" or "1.5 days"
func ParseInterval(text string) (time.Duration, error) {
	match := intervalRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(text)))
	if match == nil {
		return 0, &ParseError{text, `expecting "[amount] <period>"`}
	}

	periodSeconds, found := periodSynonyms[match[2]]
	if !found {
		return 0, &ParseError{text, fmt.Sprintf("unknown period %q", match[2])}
	}

	amount := 1.0
	if match[1] != "" {
		var err error
		amount, err = strconv.ParseFloat(match[1], 64)
		if err != nil {
			return 0, &ParseError{text, fmt.Sprintf("bad amount: %v", err)}
		}
	}

	seconds := math.Round(amount * float64(periodSeconds))
	if seconds <= 0 || seconds > maxDurationSeconds {
		return 0, &ParseError{text, "interval out of range"}
	}

	return time.Duration(seconds) * time.Second, nil
}

// untyped so that it compares against both int64 and float64
const maxDurationSeconds = math.MaxInt64 / 1000000000
