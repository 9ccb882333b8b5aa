// --- File: internal/platform/apns/apnsdispatcher.go ---
package apns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sideshow/apns2"

	"github.com/tinywideclouds/go-apns-service/internal/metrics"
	"github.com/tinywideclouds/go-apns-service/internal/platform/apns/payload"
	"github.com/tinywideclouds/go-apns-service/internal/platform/apns/token"
	"github.com/tinywideclouds/go-apns-service/pkg/dispatch"
)

// ErrInvalidRequest is returned when a PushRequest lacks routing information.
var ErrInvalidRequest = errors.New("apns: invalid push request")

// Sender is the subset of *Client the dispatcher uses.
// This allows mocking for unit tests.
type Sender interface {
	Send(ctx context.Context, identity token.SigningIdentity, target Target, p payload.Payload) (*Outcome, error)
}

// DeliveryRecorder receives one observation per Dispatch call.
type DeliveryRecorder interface {
	ObserveDelivery(environment, result string, elapsed time.Duration)
}

// TokenInvalidator forgets a reused provider token.
type TokenInvalidator interface {
	Invalidate(ctx context.Context, identity token.SigningIdentity) error
}

// Config holds the credentials and defaults the dispatcher signs and routes with.
type Config struct {
	Identity token.SigningIdentity
	// BundleID is the default apns-topic.
	BundleID    string
	Environment Environment
	// Invalidator is told when APNs refuses the provider token. Optional.
	Invalidator TokenInvalidator
}

// Dispatcher turns PushRequests into Client sends and reads the gateway's answer.
type Dispatcher struct {
	sender      Sender
	identity    token.SigningIdentity
	topic       string
	environment Environment
	invalidator TokenInvalidator
	recorder    DeliveryRecorder
	logger      *slog.Logger
}

// NewDispatcher creates a configured APNS dispatcher.
// It parses the key immediately to fail fast on startup if credentials are bad.
func NewDispatcher(sender Sender, cfg Config, recorder DeliveryRecorder, logger *slog.Logger) (*Dispatcher, error) {
	if _, err := token.ParsePrivateKey(cfg.Identity.PrivateKey); err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}
	if _, err := cfg.Environment.Host(); err != nil {
		return nil, err
	}

	return &Dispatcher{
		sender:      sender,
		identity:    cfg.Identity,
		topic:       cfg.BundleID,
		environment: cfg.Environment,
		invalidator: cfg.Invalidator,
		recorder:    recorder,
		logger:      logger.With("component", "APNSDispatcher"),
	}, nil
}

// Dispatch sends one notification. Gateway rejections come back in the Receipt
// with a nil error; key, payload, routing and transport failures return an error.
func (d *Dispatcher) Dispatch(ctx context.Context, req dispatch.PushRequest) (dispatch.Receipt, error) {
	start := time.Now()

	target, err := d.target(req)
	if err != nil {
		d.recorder.ObserveDelivery(d.environment.String(), metrics.ResultInvalid, time.Since(start))
		return dispatch.Receipt{}, err
	}
	env := target.Environment.String()

	outcome, err := d.sender.Send(ctx, d.identity, target, req.Payload)

	var rejection *RejectionError
	switch {
	case err == nil:
	case errors.As(err, &rejection):
		outcome = rejection.Outcome
	case errors.Is(err, ErrTransport):
		d.logger.Error("APNs transport failed", "token", target.DeviceToken, "err", err)
		d.recorder.ObserveDelivery(env, metrics.ResultTransportError, time.Since(start))
		return dispatch.Receipt{}, err
	default:
		d.logger.Error("APNs request could not be built", "err", err)
		d.recorder.ObserveDelivery(env, metrics.ResultInvalid, time.Since(start))
		return dispatch.Receipt{}, err
	}

	verdict := Interpret(outcome)
	receipt := dispatch.Receipt{
		Delivered:    verdict.Delivered,
		StatusCode:   verdict.StatusCode,
		Reason:       verdict.Reason,
		ApnsID:       verdict.ApnsID,
		InvalidToken: verdict.InvalidToken,
	}

	if verdict.Delivered {
		d.recorder.ObserveDelivery(env, metrics.ResultDelivered, time.Since(start))
		d.logger.Debug("APNs accepted notification", "apns_id", verdict.ApnsID, "environment", env)
		return receipt, nil
	}

	d.recorder.ObserveDelivery(env, metrics.ResultRejected, time.Since(start))
	switch {
	case verdict.InvalidToken:
		d.logger.Warn("APNs reports device token invalid", "token", target.DeviceToken, "reason", verdict.Reason)
	case verdict.CredentialProblem:
		// The key or team/key id pairing is wrong; every send will fail the same way.
		d.logger.Error("APNs refused provider token", "reason", verdict.Reason, "status", verdict.StatusCode)
		// Re-signing after TooManyProviderTokenUpdates would only repeat the throttle.
		if d.invalidator != nil && verdict.Reason != apns2.ReasonTooManyProviderTokenUpdates {
			if err := d.invalidator.Invalidate(ctx, d.identity); err != nil {
				d.logger.Warn("Failed to drop cached provider token", "err", err)
			}
		}
	default:
		d.logger.Warn("APNs rejected notification", "reason", verdict.Reason, "status", verdict.StatusCode)
	}
	return receipt, nil
}

func (d *Dispatcher) target(req dispatch.PushRequest) (Target, error) {
	if req.DeviceToken == "" {
		return Target{}, fmt.Errorf("%w: device token is required", ErrInvalidRequest)
	}

	env := d.environment
	if req.Environment != "" {
		parsed, err := ParseEnvironment(req.Environment)
		if err != nil {
			return Target{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		env = parsed
	}

	topic := d.topic
	if req.Topic != "" {
		topic = req.Topic
	}
	if topic == "" {
		return Target{}, fmt.Errorf("%w: topic is required", ErrInvalidRequest)
	}

	return Target{DeviceToken: req.DeviceToken, Topic: topic, Environment: env}, nil
}
