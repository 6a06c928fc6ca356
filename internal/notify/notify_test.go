package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPMailerPostsJSON(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
		_ = r.ParseForm()
		gotBody = map[string]interface{}{"seen": true}
	}))
	defer srv.Close()

	m := NewHTTPMailer(HTTPClientConfig{Endpoint: srv.URL})
	err := m.SendMail(context.Background(), []string{"alice@example.com"}, "hi", "body")
	require.NoError(t, err)
	require.NotNil(t, gotBody)
}

func TestHTTPSMSSenderRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSMSSender(HTTPClientConfig{Endpoint: srv.URL, MaxRetries: 2})
	err := s.SendSMS(context.Background(), "+15551234567", "code 123456")
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPMailerReturnsErrorOn4xxWithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	m := NewHTTPMailer(HTTPClientConfig{Endpoint: srv.URL})
	err := m.SendMail(context.Background(), []string{"x@example.com"}, "s", "b")
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPSMSSenderExhaustsRetriesAndReturnsLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewHTTPSMSSender(HTTPClientConfig{Endpoint: srv.URL, MaxRetries: 1})
	err := s.SendSMS(context.Background(), "+15550000000", "x")
	require.Error(t, err)
}
