// --- File: internal/pipeline/transformer.go ---
// Package pipeline contains the core message processing components for the service.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-apns-service/pkg/dispatch"
)

// PushRequestTransformer is a dataflow Transformer that unmarshals and validates
// a raw message payload into a dispatch.PushRequest.
func PushRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*dispatch.PushRequest, bool, error) {
	var req dispatch.PushRequest

	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		// skip=true lets the StreamingService route the message to the DLQ.
		return nil, true, fmt.Errorf("failed to unmarshal push request from message %s: %w", msg.ID, err)
	}
	if req.DeviceToken == "" {
		return nil, true, fmt.Errorf("push request in message %s has no device_token", msg.ID)
	}

	return &req, false, nil
}
