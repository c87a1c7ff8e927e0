package capture

import (
	"regexp"
	"strconv"
	"strings"
)

// Price patterns are tried in order: an explicitly currency-marked number
// always beats a bare decimal, which avoids false positives when a page
// contains both. The first pattern that matches and parses to a positive
// number wins.
var pricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$\s*(\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`),
	regexp.MustCompile(`(?i)price[:\s]+\$?\s*(\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`),
	regexp.MustCompile(`(?i)(\d+(?:\.\d{1,2})?)\s+dollars`),
	regexp.MustCompile(`(\d+\.\d{1,2})`),
}

// ExtractPrice runs the ordered price patterns against the extracted text
// and returns the first positive parse, or nil when no price-like pattern
// is present.
func ExtractPrice(text string) *float64 {
	if text == "" {
		return nil
	}
	for _, pattern := range pricePatterns {
		match := pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		raw := strings.ReplaceAll(match[1], ",", "")
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			continue
		}
		return &value
	}
	return nil
}
