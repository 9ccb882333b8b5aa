package apns_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tinywideclouds/go-apns-service/internal/platform/apns"
)

func TestInterpret(t *testing.T) {
	t.Run("Accepted", func(t *testing.T) {
		header := http.Header{}
		header.Set("apns-id", "id-1")
		v := apns.Interpret(&apns.Outcome{StatusCode: http.StatusOK, Header: header})

		assert.True(t, v.Delivered)
		assert.Equal(t, "id-1", v.ApnsID)
		assert.Empty(t, v.Reason)
	})

	t.Run("Unregistered token with timestamp", func(t *testing.T) {
		v := apns.Interpret(&apns.Outcome{
			StatusCode: http.StatusGone,
			Header:     http.Header{},
			Body:       []byte(`{"reason":"Unregistered","timestamp":1700000000000}`),
		})

		assert.False(t, v.Delivered)
		assert.Equal(t, "Unregistered", v.Reason)
		assert.True(t, v.InvalidToken)
		assert.False(t, v.CredentialProblem)
		assert.True(t, v.Timestamp.Equal(time.Unix(1700000000, 0)))
	})

	t.Run("Bad device token", func(t *testing.T) {
		v := apns.Interpret(&apns.Outcome{StatusCode: http.StatusBadRequest, Body: []byte(`{"reason":"BadDeviceToken"}`)})
		assert.True(t, v.InvalidToken)
	})

	t.Run("Provider token problems", func(t *testing.T) {
		for _, reason := range []string{"InvalidProviderToken", "ExpiredProviderToken", "MissingProviderToken", "TooManyProviderTokenUpdates"} {
			v := apns.Interpret(&apns.Outcome{StatusCode: http.StatusForbidden, Body: []byte(`{"reason":"` + reason + `"}`)})
			assert.True(t, v.CredentialProblem, reason)
			assert.False(t, v.InvalidToken, reason)
		}
	})

	t.Run("Other rejection", func(t *testing.T) {
		v := apns.Interpret(&apns.Outcome{StatusCode: http.StatusRequestEntityTooLarge, Body: []byte(`{"reason":"PayloadTooLarge"}`)})
		assert.Equal(t, "PayloadTooLarge", v.Reason)
		assert.False(t, v.InvalidToken)
		assert.False(t, v.CredentialProblem)
	})

	t.Run("Body is not JSON", func(t *testing.T) {
		v := apns.Interpret(&apns.Outcome{StatusCode: http.StatusBadGateway, Body: []byte("<html>bad gateway</html>")})
		assert.False(t, v.Delivered)
		assert.Equal(t, http.StatusBadGateway, v.StatusCode)
		assert.Empty(t, v.Reason)
	})
}
