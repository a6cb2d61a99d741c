package expo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func token(i int) string { return fmt.Sprintf("ExponentPushToken[tok-%d]", i) }

type gateway struct {
	mu       sync.Mutex
	requests [][]Message
	auth     string
}

func (g *gateway) handler(w http.ResponseWriter, r *http.Request) {
	var msgs []Message
	if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	g.mu.Lock()
	g.requests = append(g.requests, msgs)
	g.auth = r.Header.Get("Authorization")
	g.mu.Unlock()

	tickets := make([]Ticket, len(msgs))
	for i, m := range msgs {
		if m.To == token(13) {
			tickets[i] = Ticket{Status: "error", Message: "not registered", Details: TicketDetails{Error: ErrorDeviceNotRegistered}}
			continue
		}
		tickets[i] = Ticket{Status: "ok", ID: "ticket-" + m.To}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": tickets})
}

func TestSend_ChunksAndReportsRejections(t *testing.T) {
	g := &gateway{}
	srv := httptest.NewServer(http.HandlerFunc(g.handler))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "secret", 1000)
	msgs := make([]Message, 0, 151)
	for i := 0; i < 150; i++ {
		msgs = append(msgs, Message{To: token(i), Title: "hi", Data: map[string]any{"n": i}})
	}
	msgs = append(msgs, Message{To: "not-a-token"})

	report, err := c.Send(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, g.requests, 2)
	assert.Len(t, g.requests[0], MaxMessagesPerRequest)
	assert.Len(t, g.requests[1], 50)
	assert.Equal(t, "Bearer secret", g.auth)

	assert.Len(t, report.Deliveries, 151)
	assert.Equal(t, 149, report.Sent())
	rejected := report.Rejected()
	require.Len(t, rejected, 2)
	codes := []string{rejected[0].Ticket.Details.Error, rejected[1].Ticket.Details.Error}
	assert.ElementsMatch(t, []string{ErrorInvalidToken, ErrorDeviceNotRegistered}, codes)
}

func noSleep(context.Context, time.Duration) error { return nil }

func testClient(url string) *Client {
	c := NewClient(url, "", 1000)
	c.Retry.Sleep = noSleep
	return c
}

func TestSend_GatewayError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"errors":[{"code":"TOO_MANY_REQUESTS","message":"slow down"}]}`))
	}))
	t.Cleanup(srv.Close)

	_, err := testClient(srv.URL).Send(context.Background(), []Message{{To: token(1)}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGateway))
	assert.True(t, Transient(err))
	assert.Contains(t, err.Error(), "TOO_MANY_REQUESTS")
	assert.Equal(t, int32(3), calls.Load())
}

func TestSend_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"errors":[{"code":"UNAVAILABLE","message":"try again"}]}`))
			return
		}
		var msgs []Message
		_ = json.NewDecoder(r.Body).Decode(&msgs)
		tickets := make([]Ticket, len(msgs))
		for i := range msgs {
			tickets[i] = Ticket{Status: "ok", ID: "ticket"}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": tickets})
	}))
	t.Cleanup(srv.Close)

	report, err := testClient(srv.URL).Send(context.Background(), []Message{{To: token(1)}, {To: token(2)}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, report.Sent())
}

func TestSend_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"code":"VALIDATION_ERROR","message":"bad payload"}]}`))
	}))
	t.Cleanup(srv.Close)

	_, err := testClient(srv.URL).Send(context.Background(), []Message{{To: token(1)}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGateway))
	assert.False(t, Transient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSend_NetworkErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := testClient(url).Send(context.Background(), []Message{{To: token(1)}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGateway))
	assert.True(t, Transient(err))
}

func TestSend_OnlyInvalidTokensSkipsGateway(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { calls++ }))
	t.Cleanup(srv.Close)

	report, err := testClient(srv.URL).Send(context.Background(), []Message{{To: ""}})
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Zero(t, report.Sent())
}

func TestIsPushToken(t *testing.T) {
	assert.True(t, IsPushToken("ExponentPushToken[abc]"))
	assert.True(t, IsPushToken("ExpoPushToken[abc]"))
	assert.False(t, IsPushToken("ExponentPushToken[]"))
	assert.False(t, IsPushToken("abc"))
}
