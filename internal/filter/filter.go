// Package filter decides whether an item should be downloaded.
package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/ledger"
)

// Rules is an ordered set of case-insensitive substrings matched against titles.
type Rules struct {
	keywords []string
	lowered  []string
}

// NewRules trims and de-duplicates keywords, keeping their order.
func NewRules(keywords []string) Rules {
	r := Rules{}
	seen := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		low := strings.ToLower(kw)
		if _, ok := seen[low]; ok {
			continue
		}
		seen[low] = struct{}{}
		r.keywords = append(r.keywords, kw)
		r.lowered = append(r.lowered, low)
	}
	return r
}

// Keywords returns the configured keywords.
func (r Rules) Keywords() []string {
	return append([]string(nil), r.keywords...)
}

// Match returns the first keyword contained in text.
func (r Rules) Match(text string) (string, bool) {
	low := strings.ToLower(text)
	for i, kw := range r.lowered {
		if strings.Contains(low, kw) {
			return r.keywords[i], true
		}
	}
	return "", false
}

// Verdict is the full result of Decide.
type Verdict struct {
	Decision harvest.Decision
	// Keyword is the matching rule for Excluded items.
	Keyword string
	// Duplicate is set when the id was already claimed earlier in this run.
	Duplicate bool
}

// Filter decides items against a ledger and rule set.
type Filter struct {
	ledger *ledger.Ledger
	rules  Rules
}

// New creates a Filter.
func New(l *ledger.Ledger, rules Rules) *Filter {
	return &Filter{ledger: l, rules: rules}
}

// Decide classifies item. The lookup, rule check and resulting ledger write
// happen under the ledger lock, so concurrent calls for the same id see each
// other's effects. An Eligible verdict claims the id for this run; later
// items with that id come back AlreadyDone.
func (f *Filter) Decide(ctx context.Context, item harvest.Item) (Verdict, error) {
	if item.ID == "" {
		return Verdict{}, fmt.Errorf("item without id")
	}
	var v Verdict
	err := f.ledger.Update(ctx, func(tx *ledger.Txn) error {
		if _, ok := tx.Lookup(item.ID); ok {
			v = Verdict{Decision: harvest.AlreadyDone}
			return nil
		}
		if tx.Claimed(item.ID) {
			v = Verdict{Decision: harvest.AlreadyDone, Duplicate: true}
			return nil
		}
		if kw, ok := f.rules.Match(item.Title); ok {
			tx.Record(item.ID, harvest.StateSkipped)
			v = Verdict{Decision: harvest.Excluded, Keyword: kw}
			return nil
		}
		tx.Claim(item.ID)
		v = Verdict{Decision: harvest.Eligible}
		return nil
	})
	if err != nil {
		return v, fmt.Errorf("decide %s: %w", item.ID, err)
	}
	return v, nil
}
