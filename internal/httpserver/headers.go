package httpserver

import (
	"fmt"
	"strings"
)

// maxHeaderValueBytes caps the length of an operator-configured extra
// response header value (spec §4.10: "cap value length to 8 KiB").
const maxHeaderValueBytes = 8 * 1024

// validateHeaderName rejects a header name containing whitespace, which
// would otherwise either be silently stripped or used to smuggle a second
// header into the response (spec §4.10: "reject names with spaces/tabs").
func validateHeaderName(name string) error {
	if name == "" {
		return fmt.Errorf("header name must not be empty")
	}
	if strings.ContainsAny(name, " \t") {
		return fmt.Errorf("header name %q must not contain spaces or tabs", name)
	}
	return nil
}

// validateHeaderValue rejects a CR or LF in a configured header value
// (spec §4.10: "values with CR/LF" — the classic HTTP response-splitting
// vector) and caps its length.
func validateHeaderValue(value string) error {
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("header value must not contain CR or LF")
	}
	if len(value) > maxHeaderValueBytes {
		return fmt.Errorf("header value exceeds %d bytes", maxHeaderValueBytes)
	}
	return nil
}

// validateHeaderMap validates every entry of an operator-configured header
// map (ServerConfig.ExtraResponseHeaders, or any other {name: value} config
// block forwarded verbatim into real HTTP headers).
func validateHeaderMap(headers map[string]string) error {
	for name, value := range headers {
		if err := validateHeaderName(name); err != nil {
			return err
		}
		if err := validateHeaderValue(value); err != nil {
			return fmt.Errorf("header %q: %w", name, err)
		}
	}
	return nil
}
