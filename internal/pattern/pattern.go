// Package pattern implements the rule grammar and the priority-based
// matcher that turns a table's recent round history into a pick.
//
// Rules are written as "BBP-P;BPB-B": three history symbols, a dash, one
// pick symbol, rules separated by semicolons. B is the red side, P the
// blue side. The first rule whose history equals the table's last three
// outcomes wins; later matches are never considered.
package pattern

import (
	"errors"
	"fmt"
	"strings"
)

// Symbol is a single round outcome.
type Symbol = byte

const (
	// SymbolRed marks a round won by the red side.
	SymbolRed Symbol = 'B'
	// SymbolBlue marks a round won by the blue side.
	SymbolBlue Symbol = 'P'
)

// HistoryLen is the number of outcomes a rule antecedent covers.
const HistoryLen = 3

// RuleDelimiter separates rules in the textual form.
const RuleDelimiter = ";"

// ErrInvalidRuleFormat is returned when rule text does not satisfy the
// grammar. It is surfaced to the editing collaborator and never retried.
var ErrInvalidRuleFormat = errors.New("invalid rule format")

// Decision is the outcome of a match.
type Decision int

const (
	NoDecision Decision = iota
	PickBlue
	PickRed
)

func (d Decision) String() string {
	switch d {
	case PickBlue:
		return "blue"
	case PickRed:
		return "red"
	default:
		return ""
	}
}

// Rule maps a three-symbol history to a pick.
type Rule struct {
	History string
	Pick    Symbol
}

// Decision converts the rule's pick symbol to a Decision.
func (r Rule) Decision() Decision {
	if r.Pick == SymbolRed {
		return PickRed
	}
	return PickBlue
}

func (r Rule) String() string {
	return fmt.Sprintf("%s-%c", r.History, r.Pick)
}

// RuleSet is an ordered, immutable list of rules. The zero value matches
// nothing.
type RuleSet struct {
	rules []Rule
	raw   string
}

// ParseRules validates and parses rule text. An empty string yields an
// empty set, which is valid and matches nothing.
func ParseRules(text string) (RuleSet, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return RuleSet{}, nil
	}

	upper := strings.ToUpper(trimmed)
	parts := strings.Split(upper, RuleDelimiter)
	rules := make([]Rule, 0, len(parts))
	for _, part := range parts {
		rule, err := parseRule(part)
		if err != nil {
			return RuleSet{}, err
		}
		rules = append(rules, rule)
	}

	return RuleSet{rules: rules, raw: upper}, nil
}

// MustParseRules is a test/config helper that panics on invalid text.
func MustParseRules(text string) RuleSet {
	rs, err := ParseRules(text)
	if err != nil {
		panic(err)
	}
	return rs
}

func parseRule(text string) (Rule, error) {
	if len(text) != HistoryLen+2 || text[HistoryLen] != '-' {
		return Rule{}, fmt.Errorf("%w: %q must be 3 symbols, a dash and 1 symbol", ErrInvalidRuleFormat, text)
	}
	for i := 0; i < HistoryLen; i++ {
		if !validSymbol(text[i]) {
			return Rule{}, fmt.Errorf("%w: %q contains symbol %q outside the B/P alphabet", ErrInvalidRuleFormat, text, text[i])
		}
	}
	pick := text[HistoryLen+1]
	if !validSymbol(pick) {
		return Rule{}, fmt.Errorf("%w: %q picks %q outside the B/P alphabet", ErrInvalidRuleFormat, text, pick)
	}
	return Rule{History: text[:HistoryLen], Pick: pick}, nil
}

func validSymbol(b byte) bool {
	return b == SymbolRed || b == SymbolBlue
}

// Match returns the first rule whose antecedent equals history. History
// shorter than three symbols never matches.
func (rs RuleSet) Match(history string) (Rule, bool) {
	if len(history) != HistoryLen {
		return Rule{}, false
	}
	history = strings.ToUpper(history)
	for _, rule := range rs.rules {
		if rule.History == history {
			return rule, true
		}
	}
	return Rule{}, false
}

// Decision is a convenience wrapper around Match.
func (rs RuleSet) Decision(history string) (Decision, bool) {
	rule, ok := rs.Match(history)
	if !ok {
		return NoDecision, false
	}
	return rule.Decision(), true
}

// Rules returns a copy of the ordered rule list.
func (rs RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Len returns the number of rules in the set.
func (rs RuleSet) Len() int {
	return len(rs.rules)
}

// Empty reports whether the set contains no rules.
func (rs RuleSet) Empty() bool {
	return len(rs.rules) == 0
}

// String returns the canonical textual form, e.g. "BBP-P;BPB-B".
func (rs RuleSet) String() string {
	if len(rs.rules) == 0 {
		return ""
	}
	parts := make([]string, len(rs.rules))
	for i, rule := range rs.rules {
		parts[i] = rule.String()
	}
	return strings.Join(parts, RuleDelimiter)
}
