// Package expo sends push notifications through the Expo push API.
package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gigboard/project/internal/platform/retry"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://exp.host"
	sendPath       = "/--/api/v2/push/send"

	// MaxMessagesPerRequest is the gateway's per-request limit.
	MaxMessagesPerRequest = 100

	ErrorDeviceNotRegistered = "DeviceNotRegistered"
	ErrorInvalidToken        = "InvalidPushToken"
)

var ErrGateway = errors.New("push gateway request failed")

// gatewayError is a failed request. Throttling, server errors and network
// failures are transient; anything else is a final answer.
type gatewayError struct {
	status    int
	msg       string
	transient bool
}

func (e *gatewayError) Error() string {
	if e.status == 0 {
		return fmt.Sprintf("%s: %s", ErrGateway, e.msg)
	}
	return fmt.Sprintf("%s: status %d: %s", ErrGateway, e.status, e.msg)
}

func (e *gatewayError) Unwrap() error { return ErrGateway }

// Transient reports whether a Send error is worth retrying.
func Transient(err error) bool {
	var gw *gatewayError
	return errors.As(err, &gw) && gw.transient
}

func statusTransient(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

type Sound struct {
	Critical bool    `json:"critical,omitempty"`
	Volume   float64 `json:"volume,omitempty"`
}

type Message struct {
	To    string         `json:"to"`
	Title string         `json:"title,omitempty"`
	Body  string         `json:"body,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
	Sound *Sound         `json:"sound,omitempty"`
	Badge int            `json:"badge,omitempty"`
}

type TicketDetails struct {
	Error string `json:"error,omitempty"`
}

type Ticket struct {
	Status  string        `json:"status"`
	ID      string        `json:"id,omitempty"`
	Message string        `json:"message,omitempty"`
	Details TicketDetails `json:"details,omitempty"`
}

func (t Ticket) OK() bool { return t.Status == "ok" }

type Delivery struct {
	To     string
	Ticket Ticket
}

// Report pairs every message with its ticket. Rejected tokens show up here
// rather than as an error.
type Report struct {
	Deliveries []Delivery
}

func (r Report) Sent() int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Ticket.OK() {
			n++
		}
	}
	return n
}

// Rejected returns deliveries that failed for the given token.
func (r Report) Rejected() []Delivery {
	var out []Delivery
	for _, d := range r.Deliveries {
		if !d.Ticket.OK() {
			out = append(out, d)
		}
	}
	return out
}

type Client struct {
	BaseURL     string
	AccessToken string
	HTTP        *http.Client
	Limiter     *rate.Limiter
	Retry       retry.Policy
}

// NewClient throttles to rps requests per second.
func NewClient(baseURL, accessToken string, rps float64) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if rps <= 0 {
		rps = 6
	}
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		AccessToken: accessToken,
		HTTP:        &http.Client{Timeout: 10 * time.Second},
		Limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		Retry: retry.Policy{
			Attempts:  3,
			Initial:   250 * time.Millisecond,
			Max:       2 * time.Second,
			Retryable: Transient,
		},
	}
}

// IsPushToken reports whether token has the Expo token shape.
func IsPushToken(token string) bool {
	for _, prefix := range []string{"ExponentPushToken[", "ExpoPushToken["} {
		if strings.HasPrefix(token, prefix) && strings.HasSuffix(token, "]") && len(token) > len(prefix)+1 {
			return true
		}
	}
	return false
}

// Send delivers msgs in chunks. Malformed tokens are rejected locally; an
// error is only returned when the gateway itself could not be reached.
func (c *Client) Send(ctx context.Context, msgs []Message) (Report, error) {
	var (
		report Report
		valid  []Message
	)
	for _, m := range msgs {
		if !IsPushToken(m.To) {
			report.Deliveries = append(report.Deliveries, Delivery{To: m.To, Ticket: Ticket{
				Status:  "error",
				Message: fmt.Sprintf("%q is not a valid push token", m.To),
				Details: TicketDetails{Error: ErrorInvalidToken},
			}})
			continue
		}
		valid = append(valid, m)
	}

	for start := 0; start < len(valid); start += MaxMessagesPerRequest {
		end := min(start+MaxMessagesPerRequest, len(valid))
		chunk := valid[start:end]
		var tickets []Ticket
		err := c.Retry.Do(ctx, func(ctx context.Context) error {
			var err error
			tickets, err = c.sendChunk(ctx, chunk)
			return err
		})
		if err != nil {
			return report, err
		}
		for i, m := range chunk {
			t := Ticket{Status: "error", Message: "no ticket returned"}
			if i < len(tickets) {
				t = tickets[i]
			}
			report.Deliveries = append(report.Deliveries, Delivery{To: m.To, Ticket: t})
		}
	}
	return report, nil
}

type sendResponse struct {
	Data   []Ticket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) sendChunk(ctx context.Context, chunk []Message) ([]Ticket, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	body, err := json.Marshal(chunk)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+sendPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &gatewayError{msg: err.Error(), transient: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &gatewayError{status: resp.StatusCode, msg: "read response: " + err.Error(), transient: true}
	}
	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &gatewayError{status: resp.StatusCode, msg: err.Error(), transient: statusTransient(resp.StatusCode)}
	}
	if resp.StatusCode >= 300 || len(out.Errors) > 0 {
		msg := http.StatusText(resp.StatusCode)
		if len(out.Errors) > 0 {
			msg = out.Errors[0].Code + ": " + out.Errors[0].Message
		}
		return nil, &gatewayError{status: resp.StatusCode, msg: msg, transient: statusTransient(resp.StatusCode)}
	}
	return out.Data, nil
}
