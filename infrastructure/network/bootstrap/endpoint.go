package bootstrap

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gnutd/gnutd/util/mstime"
	"github.com/pkg/errors"
)

// Endpoint is a GWebCache the node knows about.
type Endpoint struct {
	URL         string
	LastRequest time.Time
	FailedInRow int

	// responseTime is the duration of the last successful request. It is
	// not persisted.
	responseTime time.Duration
}

// IsBad returns whether the last request to the endpoint failed.
func (e *Endpoint) IsBad() bool {
	return e.FailedInRow > 0
}

func (e *Endpoint) String() string {
	return e.URL
}

// NormalizeEndpointURL checks that rawURL is an absolute http URL without
// a query or fragment and returns it in canonical form.
func NormalizeEndpointURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", errors.Wrapf(err, "invalid cache URL %q", rawURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.Errorf("cache URL %q is not http", rawURL)
	}
	if parsed.Host == "" || parsed.Hostname() == "" {
		return "", errors.Errorf("cache URL %q has no host", rawURL)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil {
		return "", errors.Errorf("cache URL %q carries a query, a fragment or credentials", rawURL)
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String(), nil
}

// SerializeLine returns the endpoints file line of e:
// url[ lastRequestTime failedInRowCount], with the time in milliseconds
// since the epoch.
func (e *Endpoint) SerializeLine() string {
	if e.LastRequest.IsZero() && e.FailedInRow == 0 {
		return e.URL
	}
	return fmt.Sprintf("%s %d %d", e.URL, mstime.TimeToUnixMilli(e.LastRequest), e.FailedInRow)
}

// ParseEndpointLine parses a line written by SerializeLine.
func ParseEndpointLine(line string) (*Endpoint, error) {
	fields := strings.Fields(line)
	if len(fields) != 1 && len(fields) != 3 {
		return nil, errors.Errorf("endpoint line %q has %d fields, expected 1 or 3", line, len(fields))
	}
	normalized, err := NormalizeEndpointURL(fields[0])
	if err != nil {
		return nil, err
	}
	endpoint := &Endpoint{URL: normalized}
	if len(fields) == 1 {
		return endpoint, nil
	}

	lastRequest, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid last request time in %q", line)
	}
	failedInRow, err := strconv.Atoi(fields[2])
	if err != nil || failedInRow < 0 {
		return nil, errors.Errorf("invalid failure count in %q", line)
	}
	endpoint.LastRequest = mstime.UnixMilliToTime(lastRequest)
	endpoint.FailedInRow = failedInRow
	return endpoint, nil
}
