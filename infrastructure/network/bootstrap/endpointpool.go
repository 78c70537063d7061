package bootstrap

import (
	"bufio"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gnutd/gnutd/util/mstime"
	"github.com/pkg/errors"
)

// ErrNoEndpoint is returned when no cache endpoint is left to try.
var ErrNoEndpoint = errors.New("no cache endpoint available")

// maxFailedInRow is the number of consecutive failures after which an
// endpoint is dropped from the pool.
const maxFailedInRow = 5

// maxEndpoints bounds the pool. The worst endpoints are dropped first.
const maxEndpoints = 100

// EndpointPool is the set of known GWebCaches, kept sorted by
// responsiveness: endpoints that answered last come first, the faster the
// better, then endpoints that failed, the fewer failures the better.
type EndpointPool struct {
	lock      sync.Mutex
	endpoints []*Endpoint
	byURL     map[string]*Endpoint

	path    string
	seeds   []string
	minimum int
	random  *rand.Rand
}

// NewEndpointPool returns an empty pool persisted at path. seeds are loaded
// whenever the pool holds fewer than minimum endpoints. An empty path
// disables persistence.
func NewEndpointPool(path string, seeds []string, minimum int) *EndpointPool {
	return &EndpointPool{
		byURL:   make(map[string]*Endpoint),
		path:    path,
		seeds:   seeds,
		minimum: minimum,
		random:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Load reads the endpoints file, then tops the pool up with seeds. A
// missing file isn't an error.
func (p *EndpointPool) Load() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.path != "" {
		err := p.loadFileNoLock()
		if err != nil {
			return err
		}
	}
	p.ensureMinimumNoLock()
	return nil
}

func (p *EndpointPool) loadFileNoLock() error {
	file, err := os.Open(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WithStack(err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNumber := 0
	loaded := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		endpoint, err := ParseEndpointLine(line)
		if err != nil {
			log.Warnf("Skipping line %d of %s: %s", lineNumber, p.path, err)
			continue
		}
		if p.addNoLock(endpoint) {
			loaded++
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "error reading %s", p.path)
	}
	p.sortNoLock()
	log.Infof("Loaded %d cache endpoints from %s", loaded, p.path)
	return nil
}

// Save writes the pool to the endpoints file.
func (p *EndpointPool) Save() error {
	if p.path == "" {
		return nil
	}

	p.lock.Lock()
	var builder strings.Builder
	for _, endpoint := range p.endpoints {
		builder.WriteString(endpoint.SerializeLine())
		builder.WriteString("\n")
	}
	count := len(p.endpoints)
	p.lock.Unlock()

	err := os.MkdirAll(filepath.Dir(p.path), 0700)
	if err != nil {
		return errors.WithStack(err)
	}
	tmpPath := p.path + ".tmp"
	err = ioutil.WriteFile(tmpPath, []byte(builder.String()), 0600)
	if err != nil {
		return errors.WithStack(err)
	}
	err = os.Rename(tmpPath, p.path)
	if err != nil {
		return errors.WithStack(err)
	}
	log.Debugf("Saved %d cache endpoints to %s", count, p.path)
	return nil
}

// Add adds the cache at rawURL to the pool. It returns false if the URL is
// invalid or already known.
func (p *EndpointPool) Add(rawURL string) bool {
	return p.add(rawURL, 0)
}

// AddAnswered adds the cache at rawURL, which just answered a request in
// responseTime, so that it ranks with the caches that answered.
func (p *EndpointPool) AddAnswered(rawURL string, responseTime time.Duration) bool {
	return p.add(rawURL, responseTime)
}

func (p *EndpointPool) add(rawURL string, responseTime time.Duration) bool {
	normalized, err := NormalizeEndpointURL(rawURL)
	if err != nil {
		log.Debugf("Not adding cache endpoint: %s", err)
		return false
	}

	endpoint := &Endpoint{URL: normalized}
	if responseTime > 0 {
		endpoint.LastRequest = mstime.Now()
		endpoint.responseTime = responseTime
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.addNoLock(endpoint) {
		return false
	}
	p.sortNoLock()
	p.trimNoLock()
	return true
}

// Contains returns whether the cache at rawURL is in the pool.
func (p *EndpointPool) Contains(rawURL string) bool {
	normalized, err := NormalizeEndpointURL(rawURL)
	if err != nil {
		return false
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	_, ok := p.byURL[normalized]
	return ok
}

func (p *EndpointPool) addNoLock(endpoint *Endpoint) bool {
	if _, ok := p.byURL[endpoint.URL]; ok {
		return false
	}
	p.byURL[endpoint.URL] = endpoint
	p.endpoints = append(p.endpoints, endpoint)
	return true
}

func (p *EndpointPool) removeNoLock(endpoint *Endpoint) {
	delete(p.byURL, endpoint.URL)
	for i, candidate := range p.endpoints {
		if candidate == endpoint {
			p.endpoints = append(p.endpoints[:i], p.endpoints[i+1:]...)
			return
		}
	}
}

func (p *EndpointPool) trimNoLock() {
	for len(p.endpoints) > maxEndpoints {
		p.removeNoLock(p.endpoints[len(p.endpoints)-1])
	}
}

func (p *EndpointPool) ensureMinimumNoLock() {
	if len(p.endpoints) >= p.minimum {
		return
	}
	added := 0
	for _, seed := range p.seeds {
		normalized, err := NormalizeEndpointURL(seed)
		if err != nil {
			log.Warnf("Invalid seed cache: %s", err)
			continue
		}
		if p.addNoLock(&Endpoint{URL: normalized}) {
			added++
		}
	}
	if added > 0 {
		log.Debugf("Loaded %d seed cache endpoints", added)
		p.sortNoLock()
	}
}

func (p *EndpointPool) sortNoLock() {
	sort.SliceStable(p.endpoints, func(i, j int) bool {
		a, b := p.endpoints[i], p.endpoints[j]
		if a.FailedInRow != b.FailedInRow {
			return a.FailedInRow < b.FailedInRow
		}
		// Endpoints that never answered go after the ones with a known
		// response time.
		if (a.responseTime == 0) != (b.responseTime == 0) {
			return a.responseTime != 0
		}
		if a.responseTime != b.responseTime {
			return a.responseTime < b.responseTime
		}
		return a.LastRequest.Before(b.LastRequest)
	})
}

// Pick returns a random endpoint from the more responsive half of the
// endpoints not in exclude.
func (p *EndpointPool) Pick(exclude map[string]struct{}) (*Endpoint, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	candidates := make([]*Endpoint, 0, len(p.endpoints))
	for _, endpoint := range p.endpoints {
		if _, ok := exclude[endpoint.URL]; ok {
			continue
		}
		candidates = append(candidates, endpoint)
	}
	if len(candidates) == 0 {
		return nil, ErrNoEndpoint
	}
	half := (len(candidates) + 1) / 2
	return candidates[p.random.Intn(half)], nil
}

// MarkResult records the outcome of a request to endpoint and re-sorts
// the pool. An endpoint that failed too many times in a row is dropped.
func (p *EndpointPool) MarkResult(endpoint *Endpoint, success bool, responseTime time.Duration) {
	p.lock.Lock()
	defer p.lock.Unlock()

	endpoint.LastRequest = mstime.Now()
	if success {
		endpoint.FailedInRow = 0
		endpoint.responseTime = responseTime
	} else {
		endpoint.FailedInRow++
		endpoint.responseTime = 0
		if endpoint.FailedInRow >= maxFailedInRow {
			log.Debugf("Dropping cache endpoint %s after %d failures", endpoint, endpoint.FailedInRow)
			p.removeNoLock(endpoint)
		}
	}
	p.sortNoLock()
	p.ensureMinimumNoLock()
}

// Len returns the number of endpoints in the pool.
func (p *EndpointPool) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.endpoints)
}

// GoodURL returns the URL of the best endpoint that answered its last
// request, for announcing it to other caches.
func (p *EndpointPool) GoodURL(exclude string) (string, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, endpoint := range p.endpoints {
		if endpoint.URL != exclude && !endpoint.IsBad() && endpoint.responseTime > 0 {
			return endpoint.URL, true
		}
	}
	return "", false
}

// Endpoints returns copies of the endpoints in the pool, best first.
func (p *EndpointPool) Endpoints() []*Endpoint {
	p.lock.Lock()
	defer p.lock.Unlock()
	endpoints := make([]*Endpoint, len(p.endpoints))
	for i, endpoint := range p.endpoints {
		endpointCopy := *endpoint
		endpoints[i] = &endpointCopy
	}
	return endpoints
}

func (p *EndpointPool) String() string {
	return fmt.Sprintf("%d cache endpoints", p.Len())
}
