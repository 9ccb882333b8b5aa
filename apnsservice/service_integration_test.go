//go:build integration

package apnsservice_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tinywideclouds/go-apns-service/apnsservice"
	"github.com/tinywideclouds/go-apns-service/apnsservice/config"
	"github.com/tinywideclouds/go-apns-service/internal/metrics"
	"github.com/tinywideclouds/go-apns-service/internal/platform/apns"
	"github.com/tinywideclouds/go-apns-service/internal/platform/apns/payload"
	"github.com/tinywideclouds/go-apns-service/internal/platform/apns/token"
	"github.com/tinywideclouds/go-apns-service/internal/storage/cache"
	"github.com/tinywideclouds/go-apns-service/pkg/dispatch"
)

// recordingGateway is an HTTP/2 stand-in for api.sandbox.push.apple.com.
type recordingGateway struct {
	server *httptest.Server

	mu      sync.Mutex
	paths   []string
	bodies  []string
	bearers []string
}

func newRecordingGateway(t *testing.T) (*recordingGateway, *http.Client) {
	t.Helper()
	gw := &recordingGateway{}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gw.mu.Lock()
		gw.paths = append(gw.paths, r.URL.Path)
		gw.bodies = append(gw.bodies, string(body))
		gw.bearers = append(gw.bearers, r.Header.Get("authorization"))
		gw.mu.Unlock()

		w.Header().Set("apns-id", uuid.NewString())
		if r.URL.Path == "/3/device/deadbeef" {
			w.WriteHeader(http.StatusGone)
			_, _ = io.WriteString(w, `{"reason":"Unregistered","timestamp":1700000000000}`)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)
	gw.server = srv

	tlsConfig := srv.Client().Transport.(*http.Transport).TLSClientConfig.Clone()
	return gw, &http.Client{Transport: apns.NewTransport(tlsConfig)}
}

func (g *recordingGateway) snapshot() ([]string, []string, []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.paths...), append([]string(nil), g.bodies...), append([]string(nil), g.bearers...)
}

func newIntegrationIdentity(t *testing.T) token.SigningIdentity {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return token.SigningIdentity{
		TeamID:     "TEAMID1",
		KeyID:      "KEYID1",
		PrivateKey: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}),
	}
}

func TestAPNSService_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	projectID := "test-project-integ"

	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = psClient.Close() })

	t.Run("Full Lifecycle: Publish -> Transform -> Dispatch -> Gateway", func(t *testing.T) {
		topicID := "push-success-" + uuid.NewString()
		subID := topicID + "-sub"
		createPubsubResources(t, ctx, psClient, projectID, topicID, subID)

		gw, hc := newRecordingGateway(t)
		identity := newIntegrationIdentity(t)

		tokens := cache.NewCachedTokenSource(token.NewIssuer(), cache.NewMemoryCache(), 40*time.Minute, logger)
		client := apns.NewClient(
			apns.WithHTTPClient(hc),
			apns.WithTokenSource(tokens),
			apns.WithHost(apns.Sandbox, gw.server.URL),
			apns.WithTimeout(5*time.Second),
		)
		registry := prometheus.NewRegistry()
		collector := metrics.NewCollector(registry)
		dispatcher, err := apns.NewDispatcher(client, apns.Config{
			Identity:    identity,
			BundleID:    "com.example.app",
			Environment: apns.Sandbox,
			Invalidator: tokens,
		}, collector, logger)
		require.NoError(t, err)

		consumerCfg := *messagepipeline.NewGooglePubsubConsumerDefaults(subID)
		consumer, err := messagepipeline.NewGooglePubsubConsumer(&consumerCfg, psClient, logger)
		require.NoError(t, err)

		svc, err := apnsservice.New(
			&config.Config{ListenAddr: ":0", NumPipelineWorkers: 2},
			consumer,
			dispatcher,
			func(h http.Handler) http.Handler { return h },
			nil,
			logger,
		)
		require.NoError(t, err)

		svcCtx, svcCancel := context.WithCancel(ctx)
		defer svcCancel()
		go func() { _ = svc.Start(svcCtx) }()
		t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

		publish := func(req dispatch.PushRequest) {
			data, err := json.Marshal(req)
			require.NoError(t, err)
			_, err = psClient.Publisher(topicID).Publish(ctx, &pubsub.Message{Data: data}).Get(ctx)
			require.NoError(t, err)
		}
		publish(dispatch.PushRequest{
			DeviceToken: "abc123",
			Payload: payload.Payload{Aps: payload.Aps{
				Alert:            "Hi",
				ContentAvailable: 1,
				Badge:            payload.Badge(3),
			}},
		})
		publish(dispatch.PushRequest{
			DeviceToken: "deadbeef",
			Payload:     payload.Payload{Aps: payload.Aps{Alert: "Gone"}},
		})

		require.Eventually(t, func() bool {
			paths, _, _ := gw.snapshot()
			return len(paths) == 2
		}, 15*time.Second, 100*time.Millisecond)

		paths, bodies, bearers := gw.snapshot()
		assert.ElementsMatch(t, []string{"/3/device/abc123", "/3/device/deadbeef"}, paths)
		assert.Contains(t, bodies, `{"aps":{"alert":"Hi","content-available":1,"badge":3}}`)
		assert.Equal(t, bearers[0], bearers[1], "the provider token is reused across sends")

		require.Eventually(t, func() bool {
			return testutil.ToFloat64(collector.Deliveries().WithLabelValues("sandbox", metrics.ResultRejected)) == 1
		}, 5*time.Second, 50*time.Millisecond)
		assert.Equal(t, 1.0, testutil.ToFloat64(collector.Deliveries().WithLabelValues("sandbox", metrics.ResultDelivered)))

		// Rejections are acknowledged, so nothing is redelivered.
		time.Sleep(2 * time.Second)
		paths, _, _ = gw.snapshot()
		assert.Len(t, paths, 2)
	})
}

// countingDispatcher must never be reached by a message the transformer refuses.
type countingDispatcher struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDispatcher) Dispatch(context.Context, dispatch.PushRequest) (dispatch.Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return dispatch.Receipt{Delivered: true, StatusCode: http.StatusOK}, nil
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestAPNSService_PoisonPill(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	projectID := "test-project-dlq"

	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = psClient.Close() })

	runID := uuid.NewString()
	mainTopicID := "push-main-" + runID
	dlqTopicID := "push-dlq-" + runID
	mainSubID := mainTopicID + "-sub"
	dlqSubID := dlqTopicID + "-sub"

	createPubsubResources(t, ctx, psClient, projectID, dlqTopicID, dlqSubID)
	dlqTopicName := fmt.Sprintf("projects/%s/topics/%s", projectID, dlqTopicID)

	mainTopicName := fmt.Sprintf("projects/%s/topics/%s", projectID, mainTopicID)
	_, err = psClient.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: mainTopicName})
	require.NoError(t, err)

	mainSubName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, mainSubID)
	_, err = psClient.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:  mainSubName,
		Topic: mainTopicName,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlqTopicName,
			MaxDeliveryAttempts: 5,
		},
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: &durationpb.Duration{Seconds: 1},
		},
	})
	require.NoError(t, err)

	dispatcher := &countingDispatcher{}
	consumerCfg := *messagepipeline.NewGooglePubsubConsumerDefaults(mainSubID)
	consumer, err := messagepipeline.NewGooglePubsubConsumer(&consumerCfg, psClient, logger)
	require.NoError(t, err)

	cfg := &config.Config{
		ProjectID:          projectID,
		ListenAddr:         ":0",
		SubscriptionID:     mainSubID,
		NumPipelineWorkers: 2,
	}
	noopAuth := func(h http.Handler) http.Handler { return h }

	svc, err := apnsservice.New(cfg, consumer, dispatcher, noopAuth, nil, logger)
	require.NoError(t, err)

	serviceCtx, serviceCancel := context.WithCancel(ctx)
	defer serviceCancel()
	go func() {
		if err := svc.Start(serviceCtx); err != nil && !errors.Is(err, context.Canceled) {
			t.Logf("service.Start() returned an error: %v", err)
		}
	}()
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	poisonPayload := []byte(`{"device_token": `)
	_, err = psClient.Publisher(mainTopicID).Publish(ctx, &pubsub.Message{Data: poisonPayload}).Get(ctx)
	require.NoError(t, err)

	dlqSub := psClient.Subscriber(dlqSubID)
	var receivedMsg *pubsub.Message
	cctx, ccancel := context.WithTimeout(ctx, 20*time.Second)
	defer ccancel()
	err = dlqSub.Receive(cctx, func(_ context.Context, msg *pubsub.Message) {
		msg.Ack()
		receivedMsg = msg
		ccancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("DLQ Receive returned an unexpected error: %v", err)
	}

	require.NotNil(t, receivedMsg, "Did not receive message on the DLQ subscription")
	assert.Equal(t, poisonPayload, receivedMsg.Data)
	assert.Equal(t, 0, dispatcher.count(), "Dispatcher should not be called for a poison pill message")
}

func createPubsubResources(t *testing.T, ctx context.Context, client *pubsub.Client, projectID, topicID, subID string) {
	t.Helper()
	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.TopicAdminClient.DeleteTopic(context.Background(), &pubsubpb.DeleteTopicRequest{Topic: topicName})
	})

	subName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
	sub := &pubsubpb.Subscription{
		Name:               subName,
		Topic:              topicName,
		AckDeadlineSeconds: 10,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: &durationpb.Duration{Seconds: 1},
		},
	}
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, sub)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.SubscriptionAdminClient.DeleteSubscription(context.Background(), &pubsubpb.DeleteSubscriptionRequest{Subscription: subName})
	})
}
