package masking

import (
	"errors"
	"regexp"
	"testing"
)

func TestDefaultRulesRedactExamples(t *testing.T) {
	engine := New(DefaultRules(RuleOptions{EmailVisible: 3}))
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "national id", in: "123456-1234567", want: "123456-1******"},
		{name: "national id with space", in: "id 900101 2345678 end", want: "id 900101 2****** end"},
		{name: "phone", in: "010-1234-5678", want: "010-****-5678"},
		{name: "short phone", in: "call 02.123.4567 now", want: "call 02.****.4567 now"},
		{name: "email", in: "jdoe@example.com", want: "jdo*@example.com"},
		{name: "long email", in: "mail alice.smith@corp.co.kr", want: "mail ali********@corp.co.kr"},
		{name: "short local part", in: "ab@example.com", want: "ab@example.com"},
		{name: "card", in: "1234-5678-9012-3456", want: "1234-5678-****-3456"},
		{name: "card with spaces", in: "1234 5678 9012 3456", want: "1234 5678 **** 3456"},
		{name: "plain text", in: "nothing to hide here 12345", want: "nothing to hide here 12345"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := engine.Redact(tc.in); got != tc.want {
				t.Fatalf("Redact(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRedactAppliesEveryRuleToOneText(t *testing.T) {
	engine := New(DefaultRules(RuleOptions{}))
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "phones and email",
			in:   "010-1234-5678 011-222-3333 jdoe@example.com",
			want: "010-****-5678 011-****-3333 jdo*@example.com",
		},
		{
			name: "national id then phone",
			in:   "123456-1234567 and 010-1234-5678",
			want: "123456-1****** and 010-****-5678",
		},
		{
			name: "every rule with a growing phone",
			in:   "id 123456-1234567, tel 011-222-3333, mail alice.smith@corp.co.kr, card 1234-5678-9012-3456",
			want: "id 123456-1******, tel 011-****-3333, mail ali********@corp.co.kr, card 1234-5678-****-3456",
		},
		{
			name: "multibyte text around matches",
			in:   "전화 011-222-3333 메일 jdoe@example.com 끝",
			want: "전화 011-****-3333 메일 jdo*@example.com 끝",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := engine.Redact(tc.in)
			if got != tc.want {
				t.Fatalf("Redact(%q) = %q, want %q", tc.in, got, tc.want)
			}
			if again := engine.Redact(got); again != got {
				t.Fatalf("second Redact changed %q to %q", got, again)
			}
		})
	}
}

func TestRedactIsIdempotent(t *testing.T) {
	engine := New(DefaultRules(RuleOptions{}))
	inputs := []string{
		"123456-1234567 and 010-1234-5678",
		"write to jdoe@example.com or 1234-5678-9012-3456",
		"한국어 텍스트 010-9876-5432 끝",
		"",
	}
	for _, in := range inputs {
		once := engine.Redact(in)
		twice := engine.Redact(once)
		if once != twice {
			t.Fatalf("Redact not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestApplyReportsRuneOffsetsHighestFirst(t *testing.T) {
	engine := New(DefaultRules(RuleOptions{}))
	text := "héllo 010-1234-5678, 011-222-3333"
	var got [][]Replacement
	out, changed := engine.Apply(text, func(replacements []Replacement) string {
		got = append(got, replacements)
		return spliceString(text, replacements)
	})
	if !changed {
		t.Fatal("Apply reported no change")
	}
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("unexpected replacement batches: %+v", got)
	}
	first, second := got[0][0], got[0][1]
	if first.Start != 21 || first.End != 33 || first.Text != "011-****-3333" {
		t.Fatalf("first replacement = %+v", first)
	}
	if second.Start != 6 || second.End != 19 || second.Rule != "phone" {
		t.Fatalf("second replacement = %+v", second)
	}
	if out != "héllo 010-****-5678, 011-****-3333" {
		t.Fatalf("Apply() = %q", out)
	}
}

func TestApplyWithoutMatchesDoesNotSplice(t *testing.T) {
	engine := New(DefaultRules(RuleOptions{}))
	_, changed := engine.Apply("010-****-5678", func([]Replacement) string {
		t.Fatal("splice called for already redacted text")
		return ""
	})
	if changed {
		t.Fatal("Apply reported a change")
	}
}

func TestRedactHTMLKeepsMarkup(t *testing.T) {
	engine := New(DefaultRules(RuleOptions{}))
	in := `<p>Call 010-1234-5678 &amp; <a href="mailto:jdoe@example.com">jdoe@example.com</a></p><p>safe</p>`
	want := `<p>Call 010-****-5678 &amp; <a href="mailto:jdoe@example.com">jdo*@example.com</a></p><p>safe</p>`
	if got := engine.RedactHTML(in); got != want {
		t.Fatalf("RedactHTML() = %q, want %q", got, want)
	}
}

func TestRedactHTMLAppliesSeveralRulesPerTextNode(t *testing.T) {
	engine := New(DefaultRules(RuleOptions{}))
	in := `<p data-phone="011-222-3333">id 123456-1234567, call 011-222-3333 or <em>mail jdoe@example.com &lt;work&gt;</em></p>`
	want := `<p data-phone="011-222-3333">id 123456-1******, call 011-****-3333 or <em>mail jdo*@example.com &lt;work&gt;</em></p>`
	if got := engine.RedactHTML(in); got != want {
		t.Fatalf("RedactHTML() = %q, want %q", got, want)
	}
}

func TestRedactHTMLSkipsScript(t *testing.T) {
	engine := New(DefaultRules(RuleOptions{}))
	in := `<script>var n = "010-1234-5678";</script>`
	if got := engine.RedactHTML(in); got != in {
		t.Fatalf("RedactHTML() = %q, want script untouched", got)
	}
}

func TestPanickingRuleLeavesMatchUnredacted(t *testing.T) {
	broken := Rule{
		Name:    "broken",
		Pattern: regexp.MustCompile(`secret\d`),
		Mask:    func(string) (string, error) { panic("boom") },
	}
	engine := New(append([]Rule{broken}, DefaultRules(RuleOptions{})...))

	got := engine.Redact("secret1 and 010-1234-5678")
	if got != "secret1 and 010-****-5678" {
		t.Fatalf("Redact() = %q", got)
	}
}

func TestFailedMatchIsRetriedOnNextPass(t *testing.T) {
	calls := 0
	flaky := Rule{
		Name:    "flaky",
		Pattern: regexp.MustCompile(`token-\w+`),
		Mask: func(match string) (string, error) {
			calls++
			if calls == 1 {
				return "", errors.New("backend unavailable")
			}
			return "token-" + "*****", nil
		},
	}
	engine := New([]Rule{flaky})

	first := engine.Redact("use token-abcde")
	if first != "use token-abcde" {
		t.Fatalf("first pass = %q, want match left unredacted", first)
	}
	second := engine.Redact(first)
	if second != "use token-*****" {
		t.Fatalf("second pass = %q, want match redacted", second)
	}
	if third := engine.Redact(second); third != second {
		t.Fatalf("third pass = %q, want no-op", third)
	}
}

func TestFailedMatchIsRetriedBesideMaskedNeighbours(t *testing.T) {
	calls := 0
	flaky := Rule{
		Name:    "flaky",
		Pattern: regexp.MustCompile(`token-[a-z]+`),
		Mask: func(match string) (string, error) {
			calls++
			if calls == 1 {
				return "", errors.New("backend unavailable")
			}
			return "token-" + "*****", nil
		},
	}
	engine := New(append(DefaultRules(RuleOptions{}), flaky))

	first := engine.Redact("call 011-222-3333 with token-abcde")
	if first != "call 011-****-3333 with token-abcde" {
		t.Fatalf("first pass = %q", first)
	}
	second := engine.Redact(first)
	if second != "call 011-****-3333 with token-*****" {
		t.Fatalf("second pass = %q", second)
	}
}

func TestMaskErrorsAreWrapped(t *testing.T) {
	engine := New(nil)
	rule := Rule{Name: "plain", Mask: func(string) (string, error) { return "", errors.New("nope") }}
	_, err := engine.mask(rule, "x")
	var maskErr *MaskingError
	if !errors.As(err, &maskErr) || maskErr.Rule != "plain" {
		t.Fatalf("mask() error = %v, want *MaskingError for rule plain", err)
	}
}

func TestRedactHookCountsMatches(t *testing.T) {
	counts := map[string]int{}
	engine := New(DefaultRules(RuleOptions{}), WithRedactHook(func(rule string) { counts[rule]++ }))
	engine.Redact("010-1234-5678 011-222-3333 jdoe@example.com")
	if counts["phone"] != 2 || counts["email"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}
