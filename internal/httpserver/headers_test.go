package httpserver

import "testing"

func TestValidateHeaderName(t *testing.T) {
	cases := map[string]bool{
		"X-Custom-Header": true,
		"":                false,
		"X Custom":        false,
		"X\tCustom":       false,
	}
	for name, want := range cases {
		err := validateHeaderName(name)
		if got := err == nil; got != want {
			t.Errorf("validateHeaderName(%q) = %v, want err==nil %v", name, err, want)
		}
	}
}

func TestValidateHeaderValue(t *testing.T) {
	if err := validateHeaderValue("normal value"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if err := validateHeaderValue("bad\r\nvalue"); err == nil {
		t.Error("expected error for CRLF in header value")
	}
	if err := validateHeaderValue(string(make([]byte, maxHeaderValueBytes+1))); err == nil {
		t.Error("expected error for oversized header value")
	}
}

func TestValidateHeaderMap(t *testing.T) {
	if err := validateHeaderMap(map[string]string{"X-A": "1", "X-B": "2"}); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if err := validateHeaderMap(map[string]string{"X A": "1"}); err == nil {
		t.Error("expected error for malformed header name")
	}
}
