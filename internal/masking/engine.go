// Package masking redacts personal data (national ids, phone numbers,
// e-mail addresses, card numbers) from document text.
//
// Every rule recognises its own output and leaves it alone, so running the
// engine over already redacted text changes nothing.
package masking

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// MaskingError reports a rule that failed on one match. The match is left
// as it was.
type MaskingError struct {
	Rule  string
	Match string
	Err   error
}

func (e *MaskingError) Error() string {
	return fmt.Sprintf("masking rule %s: %v", e.Rule, e.Err)
}

func (e *MaskingError) Unwrap() error { return e.Err }

// ErrUnexpectedMatch is returned by a redaction strategy handed a match it
// cannot parse.
var ErrUnexpectedMatch = errors.New("unexpected match shape")

func errMatchShape(rule, match string) error {
	return &MaskingError{Rule: rule, Match: match, Err: ErrUnexpectedMatch}
}

// Replacement replaces the runes [Start, End) of a text with Text.
type Replacement struct {
	Rule  string
	Start int
	End   int
	Text  string
}

// Engine applies an ordered rule set. It holds no mutable state and is
// safe for concurrent use.
type Engine struct {
	rules    []Rule
	logger   *slog.Logger
	onRedact func(rule string)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for per-match failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRedactHook registers a callback invoked once per redacted match.
func WithRedactHook(fn func(rule string)) Option {
	return func(e *Engine) { e.onRedact = fn }
}

// New builds an engine over rules, in order.
func New(rules []Rule, opts ...Option) *Engine {
	engine := &Engine{
		rules:  append([]Rule(nil), rules...),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Rules returns the names of the configured rules in order.
func (e *Engine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, rule := range e.rules {
		names[i] = rule.Name
	}
	return names
}

// Redact returns text with every rule applied.
func (e *Engine) Redact(text string) string {
	current := text
	out, _ := e.Apply(text, func(replacements []Replacement) string {
		current = spliceString(current, replacements)
		return current
	})
	return out
}

// Apply walks the rules in order. For each rule that has something to
// redact, splice receives that rule's replacements (rune offsets into the
// current text, highest offset first) and returns the updated text, which
// the next rule then scans. Apply reports whether anything changed.
func (e *Engine) Apply(text string, splice func([]Replacement) string) (string, bool) {
	changed := false
	for _, rule := range e.rules {
		replacements := e.plan(rule, text)
		if len(replacements) == 0 {
			continue
		}
		text = splice(replacements)
		changed = true
	}
	return text, changed
}

func (e *Engine) plan(rule Rule, text string) []Replacement {
	locations := rule.Pattern.FindAllStringIndex(text, -1)
	if len(locations) == 0 {
		return nil
	}
	var replacements []Replacement
	for i := len(locations) - 1; i >= 0; i-- {
		start, end := locations[i][0], locations[i][1]
		match := text[start:end]
		if strings.Contains(match, MaskChar) {
			continue
		}
		masked, err := e.mask(rule, match)
		if err != nil {
			e.logger.Warn("masking rule failed, leaving match unredacted",
				"rule", rule.Name,
				"error", err,
			)
			continue
		}
		if masked == match {
			continue
		}
		if e.onRedact != nil {
			e.onRedact(rule.Name)
		}
		runeStart := utf8.RuneCountInString(text[:start])
		replacements = append(replacements, Replacement{
			Rule:  rule.Name,
			Start: runeStart,
			End:   runeStart + utf8.RuneCountInString(match),
			Text:  masked,
		})
	}
	return replacements
}

func (e *Engine) mask(rule Rule, match string) (masked string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &MaskingError{Rule: rule.Name, Match: match, Err: fmt.Errorf("panic: %v", recovered)}
		}
	}()
	masked, err = rule.Mask(match)
	if err != nil {
		var maskErr *MaskingError
		if !errors.As(err, &maskErr) {
			err = &MaskingError{Rule: rule.Name, Match: match, Err: err}
		}
	}
	return masked, err
}

// spliceString applies replacements given highest offset first.
func spliceString(text string, replacements []Replacement) string {
	runes := []rune(text)
	for _, r := range replacements {
		next := make([]rune, 0, len(runes)-(r.End-r.Start)+utf8.RuneCountInString(r.Text))
		next = append(next, runes[:r.Start]...)
		next = append(next, []rune(r.Text)...)
		next = append(next, runes[r.End:]...)
		runes = next
	}
	return string(runes)
}

// RedactHTML redacts the text content of an HTML fragment. Markup,
// attributes and text that needs no redaction are copied byte for byte.
func (e *Engine) RedactHTML(input string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(input))
	var out bytes.Buffer
	raw := false
	for {
		kind := tokenizer.Next()
		switch kind {
		case html.ErrorToken:
			return out.String()
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			raw = isRawTextTag(string(name))
			out.Write(tokenizer.Raw())
		case html.EndTagToken:
			raw = false
			out.Write(tokenizer.Raw())
		case html.TextToken:
			source := tokenizer.Raw()
			if raw {
				out.Write(source)
				continue
			}
			text := string(tokenizer.Text())
			redacted := e.Redact(text)
			if redacted == text {
				out.Write(source)
				continue
			}
			out.WriteString(html.EscapeString(redacted))
		default:
			out.Write(tokenizer.Raw())
		}
	}
}

func isRawTextTag(name string) bool {
	return name == "script" || name == "style"
}
