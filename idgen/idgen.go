// Package idgen produces the identifiers the messaging core hands out:
// stanza/message ids and request ids for IQ round-trips.
package idgen

import (
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
	"go.mau.fi/util/random"
)

// MessageID returns a fresh random message/stanza id: "3EB0" followed by the
// upper-cased, unpadded base64url encoding of 8 random bytes.
func MessageID() string {
	data := random.Bytes(8)
	id := strings.ToUpper(base64.RawURLEncoding.EncodeToString(data))
	return "3EB0" + id
}

// RequestID returns a unique id for one IQ request/response round-trip.
func RequestID() string {
	return uuid.New().String()
}
