// Package payload builds the JSON body APNs expects for a device notification.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrEncoding is returned when a payload cannot be represented as APNs JSON.
var ErrEncoding = errors.New("apns: payload encoding failed")

// Aps is the dictionary APNs reads under the "aps" key.
type Aps struct {
	Alert string `json:"alert"`
	// ContentAvailable must be 0 or 1.
	ContentAvailable uint8   `json:"content-available"`
	Badge            *uint32 `json:"badge,omitempty"`
	Sound            *string `json:"sound,omitempty"`
	Category         *string `json:"category,omitempty"`
	ThreadID         *string `json:"thread-id,omitempty"`
}

// Payload is the full notification body: the aps dictionary plus optional app data.
type Payload struct {
	Aps       Aps     `json:"aps"`
	CustomKey *string `json:"custom_key,omitempty"`
}

// Encode serializes p to UTF-8 JSON. Unset optional fields are omitted.
func Encode(p Payload) ([]byte, error) {
	if p.Aps.ContentAvailable > 1 {
		return nil, fmt.Errorf("%w: content-available must be 0 or 1, got %d", ErrEncoding, p.Aps.ContentAvailable)
	}

	fields := map[string]*string{
		"alert":      &p.Aps.Alert,
		"sound":      p.Aps.Sound,
		"category":   p.Aps.Category,
		"thread-id":  p.Aps.ThreadID,
		"custom_key": p.CustomKey,
	}
	for name, value := range fields {
		if value != nil && !utf8.ValidString(*value) {
			return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrEncoding, name)
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// String returns a pointer to s, for filling optional fields.
func String(s string) *string { return &s }

// Badge returns a pointer to n, for filling the optional badge.
func Badge(n uint32) *uint32 { return &n }
