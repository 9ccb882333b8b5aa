package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-apns-service/internal/platform/apns"
	"github.com/tinywideclouds/go-apns-service/internal/platform/apns/payload"
	"github.com/tinywideclouds/go-apns-service/internal/platform/apns/token"
	"github.com/tinywideclouds/go-apns-service/pkg/dispatch"
)

// PushAPI exposes a synchronous send for callers that want the gateway's answer.
type PushAPI struct {
	Dispatcher dispatch.Dispatcher
	Logger     *slog.Logger
}

func NewPushAPI(dispatcher dispatch.Dispatcher, logger *slog.Logger) *PushAPI {
	return &PushAPI{
		Dispatcher: dispatcher,
		Logger:     logger,
	}
}

// PushResponse is written whenever the gateway answered, accepted or not.
type PushResponse struct {
	RequestID string `json:"request_id"`
	dispatch.Receipt
}

func (api *PushAPI) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req dispatch.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DeviceToken == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing device_token")
		return
	}

	requestID := uuid.NewString()
	logger := api.Logger.With("request_id", requestID, "user", userID)

	receipt, err := api.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		status := statusForError(err)
		logger.Warn("Push failed before the gateway answered", "status", status, "err", err)
		response.WriteJSONError(w, status, err.Error())
		return
	}

	logger.Info("Push completed", "delivered", receipt.Delivered, "apns_status", receipt.StatusCode)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(PushResponse{RequestID: requestID, Receipt: receipt}); err != nil {
		logger.Error("Failed to write push response", "err", err)
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, apns.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, apns.ErrInvalidRequest),
		errors.Is(err, apns.ErrUnknownEnvironment),
		errors.Is(err, token.ErrKeyFormat),
		errors.Is(err, token.ErrSigning),
		errors.Is(err, payload.ErrEncoding):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
