// Package extract pulls payment amounts out of forwarded notification text.
//
// Notification templates differ between providers and change over time, so
// extraction is expressed as a Parser. New formats are supported by adding a
// Parser to the Chain handed to the reconciliation engine.
package extract

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// DefaultMarkers are the currency tokens recognised when none are configured.
var DefaultMarkers = []string{"Ksh", "KES"}

// Parser extracts an amount from one notification format.
// A false result is a normal outcome, not an error.
type Parser interface {
	Extract(text string) (decimal.Decimal, bool)
}

// MarkerParser reads the amount that follows a literal currency marker,
// e.g. "received Ksh 1,500.00 from".
type MarkerParser struct {
	Marker string
}

// Extract implements Parser.
func (p MarkerParser) Extract(text string) (decimal.Decimal, bool) {
	if p.Marker == "" {
		return decimal.Zero, false
	}
	idx := strings.Index(text, p.Marker)
	if idx < 0 {
		return decimal.Zero, false
	}

	rest := strings.TrimLeftFunc(text[idx+len(p.Marker):], unicode.IsSpace)
	if end := strings.IndexFunc(rest, unicode.IsSpace); end >= 0 {
		rest = rest[:end]
	}
	rest = strings.ReplaceAll(rest, ",", "")
	if rest == "" {
		return decimal.Zero, false
	}

	amount, err := decimal.NewFromString(rest)
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, false
	}
	return amount, true
}

// Chain tries each parser in order and returns the first amount found.
type Chain []Parser

// Extract implements Parser.
func (c Chain) Extract(text string) (decimal.Decimal, bool) {
	for _, p := range c {
		if amount, ok := p.Extract(text); ok {
			return amount, true
		}
	}
	return decimal.Zero, false
}

// NewMarkerChain builds a Chain of MarkerParsers, one per marker.
// Blank markers are skipped; an empty list falls back to DefaultMarkers.
func NewMarkerChain(markers []string) Chain {
	var chain Chain
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			chain = append(chain, MarkerParser{Marker: m})
		}
	}
	if len(chain) == 0 {
		for _, m := range DefaultMarkers {
			chain = append(chain, MarkerParser{Marker: m})
		}
	}
	return chain
}
