package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecast_platform/config"
)

func newRelayTest(t *testing.T, handler http.HandlerFunc) *RelayNotifier {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewRelayNotifier(&config.Config{
		EmailSendURL:     server.URL,
		EmailContentType: "text/plain",
		EmailTimeout:     5,
	})
}

func TestRelayNotifierSendsOnePostPerRecipient(t *testing.T) {
	var payloads []relayPayload
	notifier := newRelayTest(t, func(w http.ResponseWriter, r *http.Request) {
		var payload relayPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		payloads = append(payloads, payload)
	})

	err := notifier.Send("subject", "body", []string{"a@example.com", "b@example.com"})
	require.NoError(t, err)

	require.Len(t, payloads, 2)
	assert.Equal(t, "a@example.com", payloads[0].ToEmail)
	assert.Equal(t, "b@example.com", payloads[1].ToEmail)
	assert.Equal(t, "subject", payloads[0].Subject)
	assert.Equal(t, "body", payloads[0].Content)
	assert.Equal(t, "text/plain", payloads[0].ContentType)
}

func TestRelayNotifierContinuesPastFailures(t *testing.T) {
	calls := 0
	notifier := newRelayTest(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	err := notifier.Send("subject", "body", []string{"a@example.com", "b@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Equal(t, 2, calls, "a failed recipient must not stop the rest")
}

func TestRelayNotifierEmptyRecipients(t *testing.T) {
	notifier := newRelayTest(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	assert.NoError(t, notifier.Send("subject", "body", nil))
	assert.NoError(t, notifier.Send("subject", "body", []string{"", "  "}))
}

func TestRelayNotifierUnconfiguredURL(t *testing.T) {
	notifier := NewRelayNotifier(&config.Config{EmailTimeout: 5})
	assert.Error(t, notifier.Send("subject", "body", []string{"a@example.com"}))
}

func TestNewNotifierFromConfigPicksBackend(t *testing.T) {
	relay := NewNotifierFromConfig(&config.Config{EmailSendURL: "http://relay.local/send"})
	assert.IsType(t, &RelayNotifier{}, relay)

	sendgrid := NewNotifierFromConfig(&config.Config{SendgridAPIKey: "SG.test"})
	assert.IsType(t, &SendgridNotifier{}, sendgrid)
}
