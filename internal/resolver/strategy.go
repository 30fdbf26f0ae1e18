// Package resolver obtains the current source text of a page by trying a
// fixed sequence of extraction strategies.
package resolver

import (
	"fmt"
	"strings"
)

// StrategyKind names one way of extracting page source from the site.
type StrategyKind int

const (
	// StrategySource reads <pre id="source"> from ?cmd=source.
	StrategySource StrategyKind = iota
	// StrategyDiff reads ?cmd=diff with removed lines stripped.
	StrategyDiff
	// StrategyEdit scrapes <textarea name="msg"> from ?cmd=edit.
	StrategyEdit
)

// DefaultStrategies is the priority order used when none is configured.
var DefaultStrategies = []StrategyKind{StrategySource, StrategyDiff, StrategyEdit}

func (k StrategyKind) String() string {
	switch k {
	case StrategySource:
		return "source"
	case StrategyDiff:
		return "diff"
	case StrategyEdit:
		return "edit"
	default:
		return fmt.Sprintf("strategy(%d)", int(k))
	}
}

// ParseStrategy maps a configured name onto a StrategyKind.
func ParseStrategy(name string) (StrategyKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "source":
		return StrategySource, nil
	case "diff":
		return StrategyDiff, nil
	case "edit":
		return StrategyEdit, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", name)
	}
}

// ParseStrategies maps names in order. An empty list yields DefaultStrategies.
func ParseStrategies(names []string) ([]StrategyKind, error) {
	if len(names) == 0 {
		return append([]StrategyKind(nil), DefaultStrategies...), nil
	}
	out := make([]StrategyKind, 0, len(names))
	for _, n := range names {
		k, err := ParseStrategy(n)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// OutcomeKind classifies one strategy attempt.
type OutcomeKind int

const (
	// OutcomeSuccess carries non-empty text.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetryable means the next strategy should be tried.
	OutcomeRetryable
	// OutcomeFatal stops the resolver for this page.
	OutcomeFatal
)

// Outcome is the result of one strategy attempt.
type Outcome struct {
	Kind OutcomeKind
	Text string
	Err  error
}

func success(text string) Outcome { return Outcome{Kind: OutcomeSuccess, Text: text} }
func retryable(err error) Outcome  { return Outcome{Kind: OutcomeRetryable, Err: err} }
func fatal(err error) Outcome      { return Outcome{Kind: OutcomeFatal, Err: err} }
