package bootstrap

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gnutd/gnutd/util/network"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ErrBadResponse is returned when a cache answers with an error, garbage
// or nothing.
var ErrBadResponse = errors.New("bad cache response")

// maxResponseSize bounds the bytes read from a single cache response.
const maxResponseSize = 64 * 1024

// cacheClient speaks the GWebCache protocol.
type cacheClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	clientID   string
	version    string
}

func newCacheClient(timeout time.Duration, limiter *rate.Limiter, clientID, version string) *cacheClient {
	return &cacheClient{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		clientID:   clientID,
		version:    version,
	}
}

// request sends a GET with params to the cache at endpointURL and returns
// the non-empty lines of the response.
func (c *cacheClient) request(ctx context.Context, endpointURL string, params url.Values) ([]string, error) {
	err := c.limiter.Wait(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	params.Set("client", c.clientID)
	params.Set("version", c.version)
	params.Set("net", "gnutella")
	requestURL := endpointURL + "?" + params.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	request.Header.Set("User-Agent", c.clientID+"/"+c.version)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, errors.Wrapf(err, "request to %s failed", endpointURL)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrBadResponse, "%s answered HTTP %d", endpointURL, response.StatusCode)
	}

	var lines []string
	scanner := bufio.NewScanner(io.LimitReader(response.Body, maxResponseSize))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "error reading response of %s", endpointURL)
	}
	if len(lines) > 0 && strings.HasPrefix(strings.ToUpper(lines[0]), "ERROR") {
		return nil, errors.Wrapf(ErrBadResponse, "%s answered %q", endpointURL, lines[0])
	}
	return lines, nil
}

// ping checks that the cache is alive.
func (c *cacheClient) ping(ctx context.Context, endpointURL string) error {
	lines, err := c.request(ctx, endpointURL, url.Values{"ping": {"1"}})
	if err != nil {
		return err
	}
	if len(lines) == 0 || !strings.HasPrefix(strings.ToUpper(lines[0]), "PONG") {
		return errors.Wrapf(ErrBadResponse, "%s didn't answer the ping with PONG", endpointURL)
	}
	return nil
}

// hostFile returns the hosts the cache knows. Lines that aren't a literal
// ip:port are skipped, but a response without a single host is bad.
func (c *cacheClient) hostFile(ctx context.Context, endpointURL string) ([]*wire.NetAddress, error) {
	lines, err := c.request(ctx, endpointURL, url.Values{"hostfile": {"1"}})
	if err != nil {
		return nil, err
	}
	addresses := make([]*wire.NetAddress, 0, len(lines))
	for _, line := range lines {
		// Newer caches append |-separated fields.
		field := strings.TrimSpace(strings.SplitN(line, "|", 2)[0])
		ip, port, err := network.ParseIPPort(field)
		if err != nil {
			log.Tracef("Skipping host line %q from %s: %s", line, endpointURL, err)
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		addresses = append(addresses, wire.NewNetAddressIPPort(ip, port))
	}
	if len(addresses) == 0 {
		return nil, errors.Wrapf(ErrBadResponse, "%s returned no hosts", endpointURL)
	}
	return addresses, nil
}

// urlFile returns the other caches the cache knows.
func (c *cacheClient) urlFile(ctx context.Context, endpointURL string) ([]string, error) {
	lines, err := c.request(ctx, endpointURL, url.Values{"urlfile": {"1"}})
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(lines))
	for _, line := range lines {
		field := strings.TrimSpace(strings.SplitN(line, "|", 2)[0])
		normalized, err := NormalizeEndpointURL(field)
		if err != nil {
			log.Tracef("Skipping url line %q from %s: %s", line, endpointURL, err)
			continue
		}
		urls = append(urls, normalized)
	}
	if len(urls) == 0 {
		return nil, errors.Wrapf(ErrBadResponse, "%s returned no caches", endpointURL)
	}
	return urls, nil
}

// update announces self and, if known, another working cache.
func (c *cacheClient) update(ctx context.Context, endpointURL string, self *wire.NetAddress, cacheURL string) error {
	params := url.Values{}
	if self != nil {
		params.Set("ip", self.String())
	}
	if cacheURL != "" {
		params.Set("url", cacheURL)
	}
	if len(params) == 0 {
		return errors.New("nothing to announce")
	}

	lines, err := c.request(ctx, endpointURL, params)
	if err != nil {
		return err
	}
	if len(lines) == 0 || !strings.HasPrefix(strings.ToUpper(lines[0]), "OK") {
		return errors.Wrapf(ErrBadResponse, "%s didn't acknowledge the update", endpointURL)
	}
	for _, line := range lines[1:] {
		if strings.HasPrefix(strings.ToUpper(line), "WARNING") {
			log.Debugf("Cache %s warned about the update: %s", endpointURL, line)
		}
	}
	return nil
}
