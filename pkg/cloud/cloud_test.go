package cloud

import (
	"strings"
	"testing"
)

func TestSanitize_ForbiddenCharacters(t *testing.T) {
	got := Sanitize(`a/b\c:d*e?f"g<h>i|j`)
	if strings.ContainsAny(got, forbiddenChars) {
		t.Errorf("Sanitize left forbidden characters: %q", got)
	}
	if got != "a_b_c_d_e_f_g_h_i_j" {
		t.Errorf("Sanitize = %q", got)
	}
}

func TestSanitize_TrailingDotsAndSpaces(t *testing.T) {
	if got := Sanitize("report.txt. . "); got != "report.txt" {
		t.Errorf("Sanitize = %q, want %q", got, "report.txt")
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []string{"", "plain", `we~ird#name %`, "trailing...", "a b"}
	for _, in := range inputs {
		once := Sanitize(in)
		if twice := Sanitize(once); twice != once {
			t.Errorf("Sanitize(%q) not idempotent: %q != %q", in, twice, once)
		}
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header string
		want   Range
		ok     bool
	}{
		{"bytes=0-7", Range{0, 8}, true},
		{"bytes=100-", Range{100, FullRange}, true},
		{"bytes=5-5", Range{5, 1}, true},
		{"items=0-7", Range{}, false},
		{"bytes=7-3", Range{}, false},
		{"bytes=x-3", Range{}, false},
	}
	for _, tt := range tests {
		got, err := ParseRange(tt.header)
		if tt.ok != (err == nil) {
			t.Errorf("ParseRange(%q) error = %v", tt.header, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseRange(%q) = %+v, want %+v", tt.header, got, tt.want)
		}
	}
}

func TestRange_Fit(t *testing.T) {
	r := Range{Start: 90, Size: 50}.Fit(100)
	if r.Start != 90 || r.Size != 10 {
		t.Errorf("Fit = %+v, want {90 10}", r)
	}
	full := Range{Start: 10, Size: FullRange}.Fit(100)
	if full.Start != 10 || full.Size != 90 {
		t.Errorf("Fit full = %+v, want {10 90}", full)
	}
	unknown := Range{Start: 10, Size: 20}.Fit(UnknownSize)
	if unknown != (Range{Start: 10, Size: 20}) {
		t.Errorf("Fit against unknown size changed range: %+v", unknown)
	}
}

func TestRange_Inside(t *testing.T) {
	if !(Range{Start: 10, Size: 10}).Inside(Range{Start: 0, Size: 100}, 100) {
		t.Error("contained range reported outside")
	}
	if (Range{Start: 95, Size: 10}).Inside(Range{Start: 0, Size: 90}, 100) {
		t.Error("overflowing range reported inside")
	}
}

func TestSerializeSession_RoundTrip(t *testing.T) {
	hints := Hints{"client_id": "abc", "region": "eu-west-1"}
	data := SerializeSession("refresh-token", hints)

	token, got, err := DeserializeSession(data)
	if err != nil {
		t.Fatalf("DeserializeSession: %v", err)
	}
	if token != "refresh-token" {
		t.Errorf("token = %q", token)
	}
	if len(got) != len(hints) || got["client_id"] != "abc" || got["region"] != "eu-west-1" {
		t.Errorf("hints = %v, want %v", got, hints)
	}
}

func TestDeserializeSession_Malformed(t *testing.T) {
	if _, _, err := DeserializeSession("{not json"); err == nil {
		t.Error("DeserializeSession accepted malformed input")
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Error("AsError(nil) != nil")
	}
	e := AsError(ErrAborted)
	if e.Code != CodeAborted {
		t.Errorf("code = %d", e.Code)
	}
	wrapped := AsError(NewError(CodeNotFound, "missing %s", "thing"))
	if wrapped.Code != CodeNotFound || wrapped.Description != "missing thing" {
		t.Errorf("wrapped = %+v", wrapped)
	}
}
