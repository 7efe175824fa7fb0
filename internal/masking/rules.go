package masking

import (
	"regexp"
	"strings"
)

// MaskChar replaces redacted characters. Its presence inside a match marks
// the match as already redacted.
const MaskChar = "*"

// DefaultEmailVisible is how many characters of an e-mail local part stay
// readable.
const DefaultEmailVisible = 3

// Rule is one pattern and the redaction applied to each of its matches.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Mask    func(match string) (string, error)
}

// RuleOptions tunes the built-in rules.
type RuleOptions struct {
	EmailVisible int
}

// DefaultRules returns the ordered built-in rule set. The patterns do not
// overlap, so the order only matters for readability of the output.
func DefaultRules(opts RuleOptions) []Rule {
	visible := opts.EmailVisible
	if visible <= 0 {
		visible = DefaultEmailVisible
	}
	return []Rule{
		{
			Name:    "national-id",
			Pattern: regexp.MustCompile(`\b\d{6}[- ][\d*]{7}\b`),
			Mask:    maskNationalID,
		},
		{
			Name:    "phone",
			Pattern: regexp.MustCompile(`\b(\d{2,3})([-. ])([\d*]{3,4})([-. ])(\d{4})\b`),
			Mask:    maskPhone,
		},
		{
			Name:    "email",
			Pattern: regexp.MustCompile(`[A-Za-z0-9._%+\-*]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
			Mask:    emailMasker(visible),
		},
		{
			Name:    "card",
			Pattern: regexp.MustCompile(`\b\d{4}([- ])\d{4}([- ])[\d*]{4}([- ])\d{4}\b`),
			Mask:    maskCard,
		},
	}
}

var (
	phoneParts = regexp.MustCompile(`^(\d{2,3})([-. ])([\d*]{3,4})([-. ])(\d{4})$`)
	cardParts  = regexp.MustCompile(`^(\d{4})([- ])(\d{4})([- ])([\d*]{4})([- ])(\d{4})$`)
)

// maskNationalID keeps the birth-date block, the separator and the first
// digit of the serial.
func maskNationalID(match string) (string, error) {
	if len(match) < 8 {
		return "", errMatchShape("national-id", match)
	}
	return match[:8] + strings.Repeat(MaskChar, 6), nil
}

func maskPhone(match string) (string, error) {
	parts := phoneParts.FindStringSubmatch(match)
	if parts == nil {
		return "", errMatchShape("phone", match)
	}
	return parts[1] + parts[2] + strings.Repeat(MaskChar, 4) + parts[4] + parts[5], nil
}

func emailMasker(visible int) func(string) (string, error) {
	return func(match string) (string, error) {
		at := strings.LastIndex(match, "@")
		if at <= 0 {
			return "", errMatchShape("email", match)
		}
		local, domain := match[:at], match[at:]
		if len(local) <= visible {
			return match, nil
		}
		return local[:visible] + strings.Repeat(MaskChar, len(local)-visible) + domain, nil
	}
}

func maskCard(match string) (string, error) {
	parts := cardParts.FindStringSubmatch(match)
	if parts == nil {
		return "", errMatchShape("card", match)
	}
	return parts[1] + parts[2] + parts[3] + parts[4] + strings.Repeat(MaskChar, 4) + parts[6] + parts[7], nil
}
