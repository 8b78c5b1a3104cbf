package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openfleet/fieldsync/internal/queue"
)

const defaultRequestTimeout = 15 * time.Second

// defaultRoutes maps each command type to its remote path.
var defaultRoutes = map[queue.CommandType]string{
	queue.TypeBeginShift:        "/v1/shifts/begin",
	queue.TypeEndShift:          "/v1/shifts/end",
	queue.TypeLocationUpdate:    "/v1/locations",
	queue.TypeUploadEvidence:    "/v1/evidence",
	queue.TypeRegisterPushToken: "/v1/devices/push-token",
	queue.TypeAcceptAssignment:  "/v1/assignments/accept",
}

// HTTPDispatcher executes commands as JSON POSTs against a remote base URL.
type HTTPDispatcher struct {
	base   *url.URL
	client *http.Client
	routes map[queue.CommandType]string
	auth   func(*http.Request)
}

var _ Dispatcher = (*HTTPDispatcher)(nil)

// HTTPOption configures an HTTPDispatcher.
type HTTPOption func(*HTTPDispatcher)

// WithHTTPClient sets the HTTP client used for dispatch requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(d *HTTPDispatcher) {
		d.client = c
	}
}

// WithAuth sets a hook that decorates every request, e.g. with a bearer
// token refreshed by the host application.
func WithAuth(f func(*http.Request)) HTTPOption {
	return func(d *HTTPDispatcher) {
		d.auth = f
	}
}

// NewHTTPDispatcher creates a dispatcher for the given remote base URL.
func NewHTTPDispatcher(baseURL string, opts ...HTTPOption) (*HTTPDispatcher, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid dispatcher base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("dispatcher base URL must be absolute: %q", baseURL)
	}

	d := &HTTPDispatcher{
		base:   base,
		client: &http.Client{Timeout: defaultRequestTimeout},
		routes: defaultRoutes,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Execute implements Dispatcher: one attempt, classified by status code.
func (d *HTTPDispatcher) Execute(ctx context.Context, cmd queue.Command) Outcome {
	path, ok := d.routes[cmd.Type]
	if !ok {
		// An unroutable type can never succeed on retry.
		return Permanentf("no route for command type %q", cmd.Type)
	}

	target := d.base.JoinPath(path).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(cmd.Payload))
	if err != nil {
		return Permanentf("failed to build request for %s: %v", cmd.Type, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", cmd.IdempotencyKey)
	req.Header.Set("X-Command-Id", cmd.ID)
	if d.auth != nil {
		d.auth(req)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		// Connection refused, DNS failure, timeout: all retryable.
		return Transientf("dispatch %s: %v", cmd.Type, err)
	}
	defer resp.Body.Close()

	// Bounded read keeps error diagnostics without trusting the remote.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	return classify(cmd.Type, resp.StatusCode, body)
}

func classify(t queue.CommandType, status int, body []byte) Outcome {
	detail := strings.TrimSpace(string(body))

	switch {
	case status >= 200 && status < 300:
		return Success()
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return Transientf("dispatch %s: remote returned %d: %s", t, status, detail)
	case status >= 500:
		return Transientf("dispatch %s: remote returned %d: %s", t, status, detail)
	case status == http.StatusConflict:
		return Permanentf("dispatch %s: remote conflict: %s", t, detail)
	case status >= 400 && status < 500:
		return Permanentf("dispatch %s: remote rejected with %d: %s", t, status, detail)
	default:
		return Unknownf("dispatch %s: unexpected status %d: %s", t, status, detail)
	}
}
