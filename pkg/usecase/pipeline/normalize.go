package pipeline

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/m-mizutani/burrow/pkg/model"
)

const (
	placeholderPhone  = "<phone>"
	placeholderAmount = "<amount>"
)

var (
	// phone-like: optional +country code, then at least ten digits with
	// common separators
	phoneRe = regexp.MustCompile(`\+?\d[\d\s().-]{8,}\d`)

	// currency-like: symbol or code followed by an amount
	currencyRe = regexp.MustCompile(`(?i)(₹|\$|€|£|rs\.?|inr|usd|eur)\s?(\d[\d,]*(?:\.\d+)?)`)

	// plain numbers with an optional unit, for fact extraction
	numberRe = regexp.MustCompile(`(?i)\b(\d{1,3}(?:,\d{3})*(?:\.\d+)?)\s*(%|percent|km|kg|k\b|lakh|crore|million|billion)?`)
)

// NormalizeContent is a pure, stateless text transform. Phone-like and
// currency-like tokens are rewritten to placeholders, and remaining numeric
// spans are extracted as normalized facts. It is independent of the identity
// mapping and safe to call from any goroutine.
func NormalizeContent(text string) (string, []model.NormalizedValue) {
	if text == "" {
		return text, nil
	}

	var values []model.NormalizedValue

	out := phoneRe.ReplaceAllStringFunc(text, func(match string) string {
		if countDigits(match) < 10 {
			return match
		}
		return placeholderPhone
	})

	out = currencyRe.ReplaceAllStringFunc(out, func(match string) string {
		sub := currencyRe.FindStringSubmatch(match)
		values = append(values, normalizedValue(match, sub[2], "currency"))
		return placeholderAmount
	})

	for _, sub := range numberRe.FindAllStringSubmatch(out, -1) {
		if sub[1] == "" {
			continue
		}
		values = append(values, normalizedValue(strings.TrimSpace(sub[0]), sub[1], strings.ToLower(sub[2])))
	}

	return out, values
}

func normalizedValue(span, number, unit string) model.NormalizedValue {
	v := model.NormalizedValue{
		Span:       span,
		Unit:       unit,
		Confidence: "low",
	}
	if parsed, err := strconv.ParseFloat(strings.ReplaceAll(number, ",", ""), 64); err == nil {
		v.Value = parsed
		v.Confidence = "medium"
	}
	return v
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
