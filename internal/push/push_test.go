package push

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/errors"
)

const gatewayURL = "http://push-gateway.local/v1/push"

func newTestSender(t *testing.T) *Sender {
	t.Helper()
	s := NewSender(gatewayURL, 5*time.Second)
	httpmock.ActivateNonDefault(s.client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return s
}

func pushNotification(t *testing.T) *datastore.Notification {
	t.Helper()
	n, err := datastore.NewPushNotification("device-token-1", "Alert", "Something happened", "HIGH")
	require.NoError(t, err)
	return n
}

func TestSendPostsPayload(t *testing.T) {
	s := newTestSender(t)

	var got payload
	httpmock.RegisterResponder(http.MethodPost, gatewayURL,
		func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "application/json", req.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
			return httpmock.NewStringResponse(http.StatusAccepted, `{"status":"queued"}`), nil
		})

	require.NoError(t, s.Send(context.Background(), pushNotification(t)))
	assert.Equal(t, "device-token-1", got.Recipient)
	assert.Equal(t, "Alert", got.Title)
	assert.Equal(t, "Something happened", got.Message)
	assert.Equal(t, "HIGH", got.Priority)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestSendGatewayErrorIsDeliveryError(t *testing.T) {
	s := newTestSender(t)
	httpmock.RegisterResponder(http.MethodPost, gatewayURL,
		httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))

	err := s.Send(context.Background(), pushNotification(t))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDelivery))
	assert.Contains(t, err.Error(), "502")
}

func TestSendTransportErrorIsNetworkError(t *testing.T) {
	s := newTestSender(t)
	httpmock.RegisterResponder(http.MethodPost, gatewayURL,
		httpmock.NewErrorResponder(errors.NewStd("connection refused")))

	err := s.Send(context.Background(), pushNotification(t))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
}

func TestSendHonorsContextCancellation(t *testing.T) {
	s := newTestSender(t)
	httpmock.RegisterResponder(http.MethodPost, gatewayURL,
		httpmock.NewStringResponder(http.StatusOK, "{}"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Send(ctx, pushNotification(t))
	require.Error(t, err)
}
