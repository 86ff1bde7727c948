package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"golang.org/x/text/cases"

	"github.com/rickgao/tradesync/internal/api"
)

// Category is the class of a failed backend call.
type Category int

const (
	Unclassified Category = iota
	Transient
	Authentication
	ServerFault
	RateLimited
)

var categoryNames = [...]string{
	Unclassified:   "unclassified",
	Transient:      "transient",
	Authentication: "authentication",
	ServerFault:    "server_fault",
	RateLimited:    "rate_limited",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "unknown"
	}
	return categoryNames[c]
}

// DefaultAuthMarkers are matched case-insensitively against backend payloads
// and error text.
var DefaultAuthMarkers = []string{"unauthorized", "unauthenticated", "token", "auth"}

// Classifier maps failures to categories. The zero value uses
// DefaultAuthMarkers.
type Classifier struct {
	Markers []string
}

// Classify categorizes err with the default classifier.
func Classify(err error) Category {
	return Classifier{}.Classify(err)
}

// Classify categorizes err. It is a pure function of err.
//
// Status codes win over text: on backend payloads auth markers are only
// consulted with no status or a 4xx other than 429. Transport failures are
// always Transient. Any other error is matched on its message text.
func (c Classifier) Classify(err error) Category {
	if err == nil {
		return Unclassified
	}

	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Category
	}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401:
			return Authentication
		case apiErr.StatusCode == 429:
			return RateLimited
		case apiErr.StatusCode >= 500:
			return ServerFault
		case c.hasAuthMarker(apiErr.Code, apiErr.Message, string(apiErr.Body)):
			return Authentication
		default:
			return Unclassified
		}
	}

	if isNetworkFailure(err) {
		return Transient
	}

	if c.hasAuthMarker(err.Error()) {
		return Authentication
	}
	return Unclassified
}

func (c Classifier) hasAuthMarker(texts ...string) bool {
	markers := c.Markers
	if markers == nil {
		markers = DefaultAuthMarkers
	}

	fold := cases.Fold()
	for _, text := range texts {
		if text == "" {
			continue
		}
		folded := fold.String(text)
		for _, m := range markers {
			if m != "" && strings.Contains(folded, fold.String(m)) {
				return true
			}
		}
	}
	return false
}

// isNetworkFailure reports failures where no response was received.
func isNetworkFailure(err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
