package money

import (
	"encoding/json"
	"testing"
)

func TestParseCanonical(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"1", "1"},
		{"1000000", "1000000"},
		{"-42", "-42"},
		// Beyond int64 range: must round-trip exactly.
		{"92233720368547758080000", "92233720368547758080000"},
		{"-92233720368547758080000", "-92233720368547758080000"},
	}
	for _, tt := range tests {
		m, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got := m.String(); got != tt.want {
			t.Errorf("Parse(%q).String() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseRejectsNonCanonical(t *testing.T) {
	bad := []string{
		"", "+5", "007", "-0", "-05", "1.5", "1e6", " 1", "1 ", "--1", "-", "0x10", "1,000",
	}
	for _, in := range bad {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", in)
		}
	}
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		got  Micro
		want string
	}{
		{"Add", FromInt64(100).Add(FromInt64(200)), "300"},
		{"Sub", FromInt64(500).Sub(FromInt64(200)), "300"},
		{"SubNegative", FromInt64(200).Sub(FromInt64(500)), "-300"},
		{"Neg", FromInt64(100).Neg(), "-100"},
		{"ZeroAdd", Zero().Add(FromInt64(7)), "7"},
		{"MinLeft", FromInt64(3).Min(FromInt64(9)), "3"},
		{"MinRight", FromInt64(9).Min(FromInt64(3)), "3"},
		{"BigAdd", MustParse("9223372036854775807").Add(FromInt64(1)), "9223372036854775808"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.got.String(); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValueSemantics(t *testing.T) {
	a := FromInt64(100)
	b := a.Add(FromInt64(1))
	if a.String() != "100" {
		t.Errorf("receiver mutated: a = %s", a.String())
	}
	if b.String() != "101" {
		t.Errorf("b = %s, want 101", b.String())
	}
	c := a
	_ = c.Neg()
	if a.String() != "100" {
		t.Errorf("copy aliased receiver: a = %s", a.String())
	}
}

func TestComparisons(t *testing.T) {
	if Zero().Sign() != 0 || !Zero().IsZero() {
		t.Error("zero value is not zero")
	}
	if !FromInt64(-1).IsNegative() || FromInt64(-1).IsPositive() {
		t.Error("sign of -1 wrong")
	}
	if FromInt64(5).Cmp(FromInt64(7)) != -1 {
		t.Error("Cmp(5, 7) != -1")
	}
	if !FromInt64(7).Equal(MustParse("7")) {
		t.Error("7 != Parse(7)")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		Amount Micro `json:"amount"`
	}
	in := payload{Amount: MustParse("92233720368547758080000")}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"amount":"92233720368547758080000"}` {
		t.Fatalf("marshal = %s", data)
	}
	var out payload
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Amount.Equal(in.Amount) {
		t.Errorf("round trip: got %s, want %s", out.Amount, in.Amount)
	}
}

func TestJSONRejectsNumbers(t *testing.T) {
	var m Micro
	if err := json.Unmarshal([]byte(`1000000`), &m); err == nil {
		t.Error("expected error unmarshalling bare JSON number")
	}
	if err := json.Unmarshal([]byte(`"1.5"`), &m); err == nil {
		t.Error("expected error unmarshalling decimal string")
	}
}

func TestScan(t *testing.T) {
	var m Micro
	if err := m.Scan("123456"); err != nil {
		t.Fatalf("scan string: %v", err)
	}
	if m.String() != "123456" {
		t.Errorf("scan string: got %s", m)
	}
	if err := m.Scan([]byte("-9")); err != nil {
		t.Fatalf("scan bytes: %v", err)
	}
	if m.String() != "-9" {
		t.Errorf("scan bytes: got %s", m)
	}
	if err := m.Scan("1.25"); err == nil {
		t.Error("expected error scanning non-integer numeric")
	}
}
