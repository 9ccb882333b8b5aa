// --- File: pkg/dispatch/interfaces.go ---
package dispatch

import (
	"context"

	"github.com/tinywideclouds/go-apns-service/internal/platform/apns/payload"
)

// PushRequest is the inbound shape accepted from Pub/Sub and the HTTP API.
type PushRequest struct {
	DeviceToken string `json:"device_token"`
	// Topic overrides the configured bundle id when set.
	Topic string `json:"topic,omitempty"`
	// Environment is "production" or "sandbox"; empty uses the configured default.
	Environment string          `json:"environment,omitempty"`
	Payload     payload.Payload `json:"payload"`
}

// Receipt summarises what the gateway said about one PushRequest.
type Receipt struct {
	Delivered    bool   `json:"delivered"`
	StatusCode   int    `json:"status"`
	Reason       string `json:"reason,omitempty"`
	ApnsID       string `json:"apns_id,omitempty"`
	InvalidToken bool   `json:"invalid_token,omitempty"`
}

// Dispatcher defines the contract for a component that delivers a single
// notification to a push gateway.
type Dispatcher interface {
	// Dispatch sends req once. A gateway rejection is reported in the Receipt;
	// the error is reserved for failures before or during transmission.
	Dispatch(ctx context.Context, req PushRequest) (Receipt, error)
}
