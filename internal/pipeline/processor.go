package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-apns-service/pkg/dispatch"
)

// NewProcessor creates the logic that hands each PushRequest to the dispatcher.
// Every message is acknowledged: a failed send is logged, never redelivered.
func NewProcessor(
	dispatcher dispatch.Dispatcher,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[dispatch.PushRequest] {

	return func(ctx context.Context, original messagepipeline.Message, request *dispatch.PushRequest) error {
		procLogger := logger.With(
			"pubsub_msg_id", original.ID,
			"environment", request.Environment,
		)

		receipt, err := dispatcher.Dispatch(ctx, *request)
		if err != nil {
			procLogger.Error("APNs dispatch failed", "err", err)
			return nil
		}

		if !receipt.Delivered {
			procLogger.Warn("APNs rejected notification",
				"status", receipt.StatusCode,
				"reason", receipt.Reason,
				"invalid_token", receipt.InvalidToken,
			)
			return nil
		}

		procLogger.Info("APNs Dispatched", "apns_id", receipt.ApnsID)
		return nil
	}
}
