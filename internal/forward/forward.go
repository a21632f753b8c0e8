// Package forward replays captured requests against a route's downstream
// service and classifies transport-level failures.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"backstop/internal/config"
	"backstop/internal/snapshot"
)

// Transport-level failures. Any HTTP response, 5xx included, is a success
// from the forwarder's point of view; what to do with the status code is the
// caller's business.
var (
	ErrTimeout     = errors.New("downstream timed out")
	ErrUnavailable = errors.New("downstream unavailable")
)

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Forwarder struct {
	client         *http.Client
	requestTimeout time.Duration
	uploadTimeout  time.Duration
}

// New builds a Forwarder around an injected client. The client's own Timeout
// should be zero; per-call deadlines come from the snapshot kind.
func New(client *http.Client, requestTimeout, uploadTimeout time.Duration) *Forwarder {
	return &Forwarder{client: client, requestTimeout: requestTimeout, uploadTimeout: uploadTimeout}
}

// Do replays snap against route's base URL with a bounded timeout (longer
// for multipart uploads) and returns the downstream response.
func (f *Forwarder) Do(ctx context.Context, route *config.Route, snap *snapshot.Snapshot) (*Response, error) {
	timeout := f.requestTimeout
	if snap.IsMultipart() {
		timeout = f.uploadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := snap.NewRequest(ctx, route.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if snap.QueueID != "" {
		req.Header.Set("X-Queue-Id", snap.QueueID)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
