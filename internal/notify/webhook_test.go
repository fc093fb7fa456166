package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookNotifier_signsPayload(t *testing.T) {
	var (
		gotSig  string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "s3cret", zap.NewNop())
	require.NoError(t, n.Notify(context.Background(), sampleAlert()))

	assert.Equal(t, "sha256="+Sign(gotBody, "s3cret"), gotSig)

	var p webhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &p))
	assert.Equal(t, SeverityCritical, p.Severity)
	assert.Equal(t, "17", p.Fields["first_bad_sequence"])
}

func TestWebhookNotifier_retriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", zap.NewNop())
	n.delays = []time.Duration{0, time.Millisecond}

	require.NoError(t, n.Notify(context.Background(), sampleAlert()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookNotifier_givesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", zap.NewNop())
	n.delays = []time.Duration{0, time.Millisecond}

	err := n.Notify(context.Background(), sampleAlert())
	assert.ErrorContains(t, err, "2 attempts failed")
	assert.ErrorContains(t, err, "HTTP 500")
}

type failNotifier struct{ calls int }

func (f *failNotifier) Notify(context.Context, Alert) error {
	f.calls++
	return errors.New("down")
}

func TestMulti_attemptsEveryChannel(t *testing.T) {
	a, b := &failNotifier{}, &failNotifier{}
	err := Multi{a, NewLogNotifier(zap.NewNop()), b}.Notify(context.Background(), sampleAlert())

	assert.Error(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}
