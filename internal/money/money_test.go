package money

import (
	"encoding/json"
	"testing"
)

func TestParseValid(t *testing.T) {
	for _, s := range []string{"0", "10", "10.5", "10.50", "-3.25", "0.01"} {
		if _, err := Parse(s); err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "abc", "1.234", "10.001", "1e309x"} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}

func TestExactArithmetic(t *testing.T) {
	// 0.1 + 0.2 drifts in binary floating point; it must not drift here.
	sum := MustParse("0.10").Add(MustParse("0.20"))
	if sum.String() != "0.30" {
		t.Fatalf("expected 0.30, got %s", sum)
	}

	total := Zero()
	for i := 0; i < 100; i++ {
		total = total.Add(MustParse("0.01"))
	}
	if total.String() != "1.00" {
		t.Fatalf("expected 1.00, got %s", total)
	}
}

func TestNegationAndComparison(t *testing.T) {
	a := MustParse("60.00")
	if !a.Neg().IsNegative() {
		t.Fatalf("expected negative")
	}
	if !a.Add(a.Neg()).IsZero() {
		t.Fatalf("expected zero")
	}
	if !MustParse("40.00").LessThan(a) {
		t.Fatalf("expected 40 < 60")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	payload, err := json.Marshal(MustParse("12.30"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `"12.30"` {
		t.Fatalf("unexpected payload %s", payload)
	}

	var back Amount
	if err := json.Unmarshal(payload, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(MustParse("12.30")) {
		t.Fatalf("round trip changed value: %s", back)
	}
}

func TestNormalizeCurrency(t *testing.T) {
	code, err := NormalizeCurrency(" usd ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if code != "USD" {
		t.Fatalf("expected USD, got %s", code)
	}

	for _, bad := range []string{"", "US", "DOLLARS", "u$d"} {
		if _, err := NormalizeCurrency(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
