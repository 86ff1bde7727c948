package api

import (
	"bytes"
	"io"
	"net/http"
)

// maxObservedBody bounds how much of an error body is buffered for observation.
const maxObservedBody = 64 << 10

// FailureObserver is told about every failed backend interaction.
type FailureObserver interface {
	ObserveFailure(err error)
}

// ObservingTransport is an http.RoundTripper that reports transport errors and
// error statuses to an observer before handing the response back unchanged.
type ObservingTransport struct {
	Base     http.RoundTripper // nil = http.DefaultTransport
	Observer FailureObserver
}

// RoundTrip implements http.RoundTripper.
func (t *ObservingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		t.Observer.ObserveFailure(err)
		return nil, err
	}

	if resp.StatusCode < 400 {
		return resp, nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxObservedBody))
	rest := resp.Body
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), rest), rest}

	if readErr != nil {
		body = nil
	}
	t.Observer.ObserveFailure(NewAPIError(resp.StatusCode, body))

	return resp, nil
}
