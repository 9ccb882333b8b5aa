package apns

import (
	"encoding/json"
	"time"

	"github.com/sideshow/apns2"
)

// Verdict is the gateway-specific reading of an Outcome. Client.Send never
// interprets responses; callers that care use Interpret.
type Verdict struct {
	Delivered  bool
	StatusCode int
	// Reason is the APNs error reason string, empty on success.
	Reason string
	ApnsID string
	// Timestamp is when APNs last confirmed the token was invalid (410 only).
	Timestamp time.Time
	// InvalidToken is set when the device token should no longer be used.
	InvalidToken bool
	// CredentialProblem is set when the provider token or key was refused.
	CredentialProblem bool
}

type errorBody struct {
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// Interpret reads the status, apns-id header and JSON error body of o.
// A body that is not JSON leaves Reason empty.
func Interpret(o *Outcome) Verdict {
	v := Verdict{
		Delivered:  o.OK(),
		StatusCode: o.StatusCode,
		ApnsID:     o.Header.Get("apns-id"),
	}
	if v.Delivered || len(o.Body) == 0 {
		return v
	}

	var body errorBody
	if err := json.Unmarshal(o.Body, &body); err != nil {
		return v
	}
	v.Reason = body.Reason
	if body.Timestamp > 0 {
		v.Timestamp = time.UnixMilli(body.Timestamp)
	}

	switch v.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		v.InvalidToken = true
	case apns2.ReasonInvalidProviderToken, apns2.ReasonExpiredProviderToken,
		apns2.ReasonMissingProviderToken, apns2.ReasonTooManyProviderTokenUpdates:
		v.CredentialProblem = true
	}
	return v
}
