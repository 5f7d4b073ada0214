package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/p-blackswan/socialbank/internal/errors"
	"github.com/p-blackswan/socialbank/internal/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestWhatsApp_Send(t *testing.T) {
	var got waRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/1234567890/messages", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	wa := NewWhatsApp(WhatsAppConfig{BaseURL: srv.URL + "/", AccessToken: "test-token", Retry: fastRetry()}, zerolog.Nop())
	err := wa.Send(context.Background(), Message{
		SessionID: "s1",
		To:        "254700000001",
		From:      "1234567890",
		Body:      "Your session has expired.",
	})
	require.NoError(t, err)

	assert.Equal(t, "whatsapp", got.MessagingProduct)
	assert.Equal(t, "254700000001", got.To)
	assert.Equal(t, "text", got.Type)
	assert.Equal(t, "Your session has expired.", got.Text.Body)
}

func TestWhatsApp_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Recipient phone number not in allowed list","type":"OAuthException","code":131030}}`))
	}))
	defer srv.Close()

	wa := NewWhatsApp(WhatsAppConfig{BaseURL: srv.URL, Retry: fastRetry()}, zerolog.Nop())
	err := wa.Send(context.Background(), Message{To: "254700000001", From: "123"})
	require.Error(t, err)

	var apiErr *serrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "131030")
	assert.True(t, serrors.IsClientError(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWhatsApp_ClassifiesAuthAndRateLimit(t *testing.T) {
	var calls int32
	status := int32(http.StatusUnauthorized)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	wa := NewWhatsApp(WhatsAppConfig{BaseURL: srv.URL, Retry: fastRetry()}, zerolog.Nop())
	err := wa.Send(context.Background(), Message{To: "254700000001", From: "123"})
	assert.ErrorIs(t, err, serrors.ErrAuthFailure)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	atomic.StoreInt32(&status, http.StatusTooManyRequests)
	atomic.StoreInt32(&calls, 0)
	err = wa.Send(context.Background(), Message{To: "254700000001", From: "123"})
	assert.ErrorIs(t, err, serrors.ErrRateLimit)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWhatsApp_ServerErrorRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wa := NewWhatsApp(WhatsAppConfig{BaseURL: srv.URL, Retry: fastRetry()}, zerolog.Nop())
	err := wa.Send(context.Background(), Message{To: "254700000001", From: "123"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWhatsApp_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	wa := NewWhatsApp(WhatsAppConfig{BaseURL: srv.URL, Retry: fastRetry()}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := wa.Send(ctx, Message{To: "254700000001", From: "123"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestWhatsApp_RejectsEmptyRecipient(t *testing.T) {
	wa := NewWhatsApp(WhatsAppConfig{BaseURL: "http://unused.invalid"}, zerolog.Nop())
	err := wa.Send(context.Background(), Message{From: "123"})
	assert.ErrorIs(t, err, serrors.ErrInvalidRecipient)

	err = wa.Send(context.Background(), Message{To: "254700000001"})
	assert.ErrorIs(t, err, serrors.ErrInvalidInput)
}
