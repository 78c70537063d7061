package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/gnutd/gnutd/infrastructure/network/addressmanager"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// ErrAttemptsExhausted is returned when every attempt of an operation
// failed.
var ErrAttemptsExhausted = errors.New("all cache attempts failed")

// HostFeeder receives the hosts learned while bootstrapping.
type HostFeeder interface {
	AddAddress(address *wire.NetAddress, priority addressmanager.Priority) bool
}

// Config configures a Bootstrapper.
type Config struct {
	// Attempts is the number of endpoints tried per operation.
	Attempts int

	RequestTimeout time.Duration

	// RequestInterval is the minimum spacing between two cache requests.
	RequestInterval time.Duration

	// EndpointsFile persists the endpoint pool. Empty disables it.
	EndpointsFile string
	Seeds         []string
	MinEndpoints  int

	// UDPHostCaches are host:port addresses of UDP host caches.
	UDPHostCaches []string
	UDPTimeout    time.Duration

	ClientID string
	Version  string
}

// Default bootstrap settings.
const (
	DefaultAttempts        = 5
	DefaultMinEndpoints    = 5
	DefaultRequestTimeout  = 30 * time.Second
	DefaultRequestInterval = time.Second
	DefaultUDPTimeout      = 5 * time.Second
)

// DefaultConfig returns the default bootstrap configuration with the
// bundled seeds.
func DefaultConfig() *Config {
	return &Config{
		Attempts:        DefaultAttempts,
		RequestTimeout:  DefaultRequestTimeout,
		RequestInterval: DefaultRequestInterval,
		Seeds:           DefaultSeeds(),
		MinEndpoints:    DefaultMinEndpoints,
		UDPTimeout:      DefaultUDPTimeout,
	}
}

// Bootstrapper finds hosts through GWebCaches and UDP host caches when the
// caught host cache runs low, and advertises this node to GWebCaches.
type Bootstrapper struct {
	cfg       *Config
	pool      *EndpointPool
	client    *cacheClient
	udpClient *udpHostCacheClient
	feeder    HostFeeder
	metrics   metrics

	queryInFlight atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a new Bootstrapper feeding the hosts it learns to feeder.
func New(cfg *Config, feeder HostFeeder) *Bootstrapper {
	pool := NewEndpointPool(cfg.EndpointsFile, cfg.Seeds, cfg.MinEndpoints)
	limiter := rate.NewLimiter(rate.Every(cfg.RequestInterval), 1)
	ctx, cancel := context.WithCancel(context.Background())
	return &Bootstrapper{
		cfg:    cfg,
		pool:   pool,
		client: newCacheClient(cfg.RequestTimeout, limiter, cfg.ClientID, cfg.Version),
		udpClient: &udpHostCacheClient{
			caches:  cfg.UDPHostCaches,
			timeout: cfg.UDPTimeout,
			feeder:  feeder,
		},
		feeder:  feeder,
		metrics: newMetrics(pool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start loads the endpoint pool.
func (b *Bootstrapper) Start() error {
	return b.pool.Load()
}

// Stop cancels the running background query and saves the endpoint pool.
func (b *Bootstrapper) Stop() error {
	b.cancel()
	b.wg.Wait()
	return b.pool.Save()
}

// Pool returns the GWebCache endpoint pool.
func (b *Bootstrapper) Pool() *EndpointPool {
	return b.pool
}

// withAttempts runs do against up to cfg.Attempts distinct endpoints until
// it succeeds. Every outcome is recorded in the pool.
func (b *Bootstrapper) withAttempts(ctx context.Context, operation string, do func(endpoint *Endpoint) error) error {
	tried := make(map[string]struct{})
	for attempt := 1; attempt <= b.cfg.Attempts; attempt++ {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		endpoint, err := b.pool.Pick(tried)
		if err != nil {
			return err
		}
		tried[endpoint.URL] = struct{}{}

		start := time.Now()
		err = do(endpoint)
		if ctx.Err() != nil {
			// A cancelled request says nothing about the endpoint.
			return errors.WithStack(ctx.Err())
		}
		b.pool.MarkResult(endpoint, err == nil, time.Since(start))
		if err == nil {
			b.metrics.CacheRequests.WithLabelValues(operation, "success").Inc()
			return nil
		}
		b.metrics.CacheRequests.WithLabelValues(operation, "failure").Inc()
		log.Debugf("Attempt %d of %s against %s failed: %s", attempt, operation, endpoint, err)
	}
	return errors.Wrapf(ErrAttemptsExhausted, "%s after %d attempts", operation, b.cfg.Attempts)
}

// QueryMoreHosts asks GWebCaches for hosts until one answers, and returns
// the number of hosts fed to the caught host cache.
func (b *Bootstrapper) QueryMoreHosts(ctx context.Context) (int, error) {
	count := 0
	err := b.withAttempts(ctx, "hostfile", func(endpoint *Endpoint) error {
		addresses, err := b.client.hostFile(ctx, endpoint.URL)
		if err != nil {
			return err
		}
		for _, address := range addresses {
			if b.feeder.AddAddress(address, addressmanager.PriorityNormal) {
				count++
			}
		}
		log.Debugf("Cache %s gave %d hosts, %d accepted", endpoint, len(addresses), count)
		return nil
	})
	b.metrics.HostsLearned.WithLabelValues("gwebcache").Add(float64(count))
	return count, err
}

// QueryMoreCaches asks GWebCaches for other caches until one answers, and
// returns the number of caches added to the pool. A cache is only added
// once it answers a ping.
func (b *Bootstrapper) QueryMoreCaches(ctx context.Context) (int, error) {
	var urls []string
	err := b.withAttempts(ctx, "urlfile", func(endpoint *Endpoint) error {
		var err error
		urls, err = b.client.urlFile(ctx, endpoint.URL)
		return err
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, url := range urls {
		if b.pool.Contains(url) {
			continue
		}
		start := time.Now()
		err := b.client.ping(ctx, url)
		if ctx.Err() != nil {
			return count, errors.WithStack(ctx.Err())
		}
		if err != nil {
			b.metrics.CacheRequests.WithLabelValues("ping", "failure").Inc()
			log.Debugf("Not adding cache %s: %s", url, err)
			continue
		}
		b.metrics.CacheRequests.WithLabelValues("ping", "success").Inc()
		if b.pool.AddAnswered(url, time.Since(start)) {
			count++
		}
	}
	log.Debugf("Added %d of %d caches learned from GWebCaches", count, len(urls))
	return count, nil
}

// UpdateRemoteCache announces self, and another cache that recently
// answered, to a GWebCache. self may be nil if this node can't accept
// incoming connections.
func (b *Bootstrapper) UpdateRemoteCache(ctx context.Context, self *wire.NetAddress) error {
	return b.withAttempts(ctx, "update", func(endpoint *Endpoint) error {
		cacheURL, _ := b.pool.GoodURL(endpoint.URL)
		if self == nil && cacheURL == "" {
			return errors.New("nothing to announce")
		}
		return b.client.update(ctx, endpoint.URL, self, cacheURL)
	})
}

// QueryUDPHostCaches pings the configured UDP host caches and returns the
// number of hosts fed to the caught host cache.
func (b *Bootstrapper) QueryUDPHostCaches(ctx context.Context) (int, error) {
	count, err := b.udpClient.query(ctx)
	b.metrics.HostsLearned.WithLabelValues("udphostcache").Add(float64(count))
	return count, err
}

// QueryMoreHostsAsync starts a background query of the UDP host caches,
// falling back to GWebCaches, unless one is already running. When no known
// GWebCache gives hosts, they are asked for more caches first. It returns
// whether a query was started.
func (b *Bootstrapper) QueryMoreHostsAsync() bool {
	if !b.queryInFlight.CAS(false, true) {
		return false
	}
	if b.ctx.Err() != nil {
		b.queryInFlight.Store(false)
		return false
	}

	b.wg.Add(1)
	spawn("Bootstrapper.QueryMoreHostsAsync", func() {
		defer b.wg.Done()
		defer b.queryInFlight.Store(false)

		count, err := b.QueryUDPHostCaches(b.ctx)
		if err != nil {
			log.Debugf("UDP host caches failed: %s", err)
		}
		if count > 0 {
			log.Infof("Learned %d hosts from UDP host caches", count)
			return
		}

		count, err = b.QueryMoreHosts(b.ctx)
		if err != nil && b.ctx.Err() == nil {
			// The known caches are failing. Look for more before giving up.
			log.Debugf("GWebCaches failed for hosts: %s", err)
			caches, cachesErr := b.QueryMoreCaches(b.ctx)
			if cachesErr != nil {
				log.Debugf("Couldn't query GWebCaches for caches: %s", cachesErr)
			}
			if caches > 0 {
				count, err = b.QueryMoreHosts(b.ctx)
			}
		}
		if err != nil {
			log.Warnf("Couldn't query GWebCaches for hosts: %s", err)
			return
		}
		log.Infof("Learned %d hosts from GWebCaches", count)
	})
	return true
}

// IsQueryInFlight returns whether a background query is running.
func (b *Bootstrapper) IsQueryInFlight() bool {
	return b.queryInFlight.Load()
}
