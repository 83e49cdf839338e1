package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
)

// maxErrorBody bounds how much of a failed response is kept as detail.
const maxErrorBody = 512

// doJSON sends body (if any) as JSON and decodes a 2xx response into out.
// Non-2xx answers become *schemas.RemoteError; everything that kept the
// request from completing becomes *schemas.TransportError.
func doJSON(ctx context.Context, client *http.Client, op, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%s: building request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &schemas.RemoteError{StatusCode: resp.StatusCode, Detail: errorDetail(resp.Status, raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return transportError(ctx, op, err)
		}
		return &schemas.TransportError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func transportError(ctx context.Context, op string, err error) *schemas.TransportError {
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &schemas.TransportError{Op: op, Timeout: timeout, Err: err}
}

// errorDetail prefers the service's {"detail": ...} body over the raw text.
func errorDetail(status string, raw []byte) string {
	var body struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		switch d := body.Detail.(type) {
		case string:
			if d != "" {
				return d
			}
		case nil:
		default:
			if b, err := json.Marshal(d); err == nil {
				return string(b)
			}
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return status
}
