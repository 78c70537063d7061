// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addressmanager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/gnutd/gnutd/util/mstime"
	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

// ErrAddressNotFound is an error returned from some functions when a
// given address is not found in the caught host cache
var ErrAddressNotFound = errors.New("address not found")

// tierShares is the share of Config.MaxReadyHosts given to each priority
// tier, in percent.
var tierShares = [numberOfPriorities]int{
	PriorityLow:    30,
	PriorityNormal: 50,
	PriorityHigh:   20,
}

// failureRetryInterval is how long a host that failed to connect is kept
// out of the ready tiers when they are replenished from the reputation set.
const failureRetryInterval = 10 * time.Minute

// Config holds the caught host cache limits.
type Config struct {
	// MaxReadyHosts bounds the number of hosts waiting for a connection
	// attempt, over all priority tiers.
	MaxReadyHosts int

	// MaxReputationHosts bounds the persistent reputation set.
	MaxReputationHosts int

	// SaveInterval is how often the reputation set is written to the
	// store once Start was called.
	SaveInterval time.Duration
}

// DefaultConfig returns the default caught host cache limits.
func DefaultConfig() *Config {
	return &Config{
		MaxReadyHosts:      1000,
		MaxReputationHosts: 2000,
		SaveInterval:       5 * time.Minute,
	}
}

// Stats is a snapshot of the cache sizes.
type Stats struct {
	Ready      map[string]int `json:"ready"`
	Reputation int            `json:"reputation"`
}

// CaughtHostCache stores the addresses outbound connections are attempted
// to. It holds two structures guarded by their own locks:
//
// The ready tiers are bounded LIFO queues, one per Priority, of hosts to
// try now. GetNext drains them highest priority first.
//
// The reputation set is an ordered set of every known host, best
// connection prospects first, together with an address lookup map. It is
// what gets persisted, and it refills the ready tiers when they run dry.
// The two reputation structures always hold the same entries.
type CaughtHostCache struct {
	cfg       *Config
	validator *Validator
	store     Store

	readyLock sync.Mutex
	tiers     [numberOfPriorities]*readyTier
	ready     map[addressKey]*readyEntry

	reputationLock    sync.Mutex
	reputation        *treeset.Set
	reputationEntries map[addressKey]*CaughtHost

	started, shutdown int32
	quit              chan struct{}
	wg                sync.WaitGroup
}

// New returns a new CaughtHostCache. store may be nil, in which case
// Load and Save do nothing.
func New(cfg *Config, validator *Validator, store Store) *CaughtHostCache {
	c := &CaughtHostCache{
		cfg:               cfg,
		validator:         validator,
		store:             store,
		ready:             make(map[addressKey]*readyEntry),
		reputation:        treeset.NewWith(compareByConnectionProspects),
		reputationEntries: make(map[addressKey]*CaughtHost),
		quit:              make(chan struct{}),
	}
	for priority := range c.tiers {
		capacity := cfg.MaxReadyHosts * tierShares[priority] / 100
		if capacity < 1 {
			capacity = 1
		}
		c.tiers[priority] = newReadyTier(capacity)
	}
	return c
}

// compareByConnectionProspects orders caught hosts best first: most recent
// success, then least recent failure, then highest uptime. The address
// breaks ties so that distinct hosts never compare equal.
func compareByConnectionProspects(a, b interface{}) int {
	hostA := a.(*CaughtHost)
	hostB := b.(*CaughtHost)

	switch {
	case hostA.LastSuccessful.After(hostB.LastSuccessful):
		return -1
	case hostA.LastSuccessful.Before(hostB.LastSuccessful):
		return 1
	case hostA.LastFailed.Before(hostB.LastFailed):
		return -1
	case hostA.LastFailed.After(hostB.LastFailed):
		return 1
	case hostA.DailyUptime > hostB.DailyUptime:
		return -1
	case hostA.DailyUptime < hostB.DailyUptime:
		return 1
	}

	keyA := netAddressKey(hostA.Address)
	keyB := netAddressKey(hostB.Address)
	for i := range keyA.address {
		if keyA.address[i] != keyB.address[i] {
			if keyA.address[i] < keyB.address[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case keyA.port < keyB.port:
		return -1
	case keyA.port > keyB.port:
		return 1
	}
	return 0
}

// AddCaughtHost queues host for a connection attempt with the given
// priority and records it in the reputation set. Private addresses are
// always queued at PriorityLow. It returns false if the address was
// refused by the validator.
func (c *CaughtHostCache) AddCaughtHost(host *CaughtHost, priority Priority) bool {
	class := c.validator.Classify(host.Address)
	switch class {
	case ClassRoutable:
	case ClassPrivate:
		if !c.validator.allowPrivate {
			log.Tracef("Ignoring private address %s", host.Address)
			return false
		}
		priority = PriorityLow
	default:
		log.Tracef("Ignoring %s address %s", class, host.Address)
		return false
	}

	host = host.Copy()
	c.addReady(host, priority)
	c.upsertReputation(host)
	return true
}

// AddAddress is AddCaughtHost for an address without any known history.
func (c *CaughtHostCache) AddAddress(address *wire.NetAddress, priority Priority) bool {
	return c.AddCaughtHost(NewCaughtHost(address), priority)
}

func (c *CaughtHostCache) isLive(entry *readyEntry) bool {
	return c.ready[entry.key] == entry
}

func (c *CaughtHostCache) addReady(host *CaughtHost, priority Priority) {
	c.readyLock.Lock()
	defer c.readyLock.Unlock()
	c.addReadyNoLock(host, priority)
}

func (c *CaughtHostCache) addReadyNoLock(host *CaughtHost, priority Priority) {
	key := netAddressKey(host.Address)
	if existing, ok := c.ready[key]; ok {
		if existing.priority >= priority {
			existing.host = host
			return
		}
		delete(c.ready, key)
		c.tiers[existing.priority].forget()
	}

	entry := &readyEntry{key: key, host: host, priority: priority}
	evicted := c.tiers[priority].push(entry, c.isLive)
	if evicted != nil {
		delete(c.ready, evicted.key)
		log.Tracef("Evicted %s from the %s priority tier", evicted.host, priority)
	}
	c.ready[key] = entry
}

// GetNext returns the next host to attempt a connection to and removes it
// from the ready tiers, or nil if there is none. When all tiers are
// empty they are refilled from the reputation set first.
func (c *CaughtHostCache) GetNext() *CaughtHost {
	c.readyLock.Lock()
	defer c.readyLock.Unlock()

	if len(c.ready) == 0 {
		c.replenishReadyNoLock()
	}
	for priority := numberOfPriorities - 1; priority >= PriorityLow; priority-- {
		entry := c.tiers[priority].popBack(c.isLive)
		if entry != nil {
			delete(c.ready, entry.key)
			return entry.host
		}
	}
	return nil
}

func (c *CaughtHostCache) replenishReadyNoLock() {
	hosts := c.ReputationHosts()
	cutoff := mstime.Now().Add(-failureRetryInterval)

	added := 0
	// The tiers are LIFO, so the best hosts go in last.
	for i := len(hosts) - 1; i >= 0; i-- {
		host := hosts[i]
		if host.LastFailed.After(cutoff) && host.LastFailed.After(host.LastSuccessful) {
			continue
		}
		if !c.validator.IsAcceptable(host.Address) {
			continue
		}
		priority := PriorityNormal
		if host.IsUltrapeer {
			priority = PriorityHigh
		}
		c.addReadyNoLock(host, priority)
		added++
	}
	if added > 0 {
		log.Debugf("Replenished the ready tiers with %d hosts from the reputation set", added)
	}
}

// Remove removes address from both the ready tiers and the reputation set.
func (c *CaughtHostCache) Remove(address *wire.NetAddress) error {
	key := netAddressKey(address)
	removedReady := c.removeReady(key)
	removedReputation := c.removeReputation(key)
	if !removedReady && !removedReputation {
		return errors.Wrapf(ErrAddressNotFound, "address %s "+
			"is not registered with the caught host cache", address)
	}
	return nil
}

func (c *CaughtHostCache) removeReady(key addressKey) bool {
	c.readyLock.Lock()
	defer c.readyLock.Unlock()

	entry, ok := c.ready[key]
	if !ok {
		return false
	}
	delete(c.ready, key)
	c.tiers[entry.priority].forget()
	return true
}

func (c *CaughtHostCache) removeReputation(key addressKey) bool {
	c.reputationLock.Lock()
	defer c.reputationLock.Unlock()

	host, ok := c.reputationEntries[key]
	if !ok {
		return false
	}
	c.reputation.Remove(host)
	delete(c.reputationEntries, key)
	return true
}

// upsertReputation inserts host into the reputation set, or merges the
// information it carries into the existing entry.
func (c *CaughtHostCache) upsertReputation(host *CaughtHost) {
	c.reputationLock.Lock()
	defer c.reputationLock.Unlock()

	key := netAddressKey(host.Address)
	existing, ok := c.reputationEntries[key]
	if !ok {
		c.insertReputationNoLock(key, host.Copy())
		return
	}

	c.updateReputationNoLock(existing, func(entry *CaughtHost) {
		if host.LastSuccessful.After(entry.LastSuccessful) {
			entry.LastSuccessful = host.LastSuccessful
		}
		if host.LastFailed.After(entry.LastFailed) {
			entry.LastFailed = host.LastFailed
		}
		if host.DailyUptime != 0 {
			entry.DailyUptime = host.DailyUptime
		}
		if host.Vendor != "" {
			entry.Vendor = host.Vendor
			entry.VendorMajor = host.VendorMajor
			entry.VendorMinor = host.VendorMinor
		}
		entry.IsUltrapeer = entry.IsUltrapeer || host.IsUltrapeer
	})
}

func (c *CaughtHostCache) insertReputationNoLock(key addressKey, host *CaughtHost) {
	c.reputation.Add(host)
	c.reputationEntries[key] = host

	for c.reputation.Size() > c.cfg.MaxReputationHosts {
		iterator := c.reputation.Iterator()
		if !iterator.Last() {
			break
		}
		worst := iterator.Value().(*CaughtHost)
		c.reputation.Remove(worst)
		delete(c.reputationEntries, netAddressKey(worst.Address))
	}
}

// updateReputationNoLock applies update to entry. The entry's position in
// the ordered set depends on its fields, so it's taken out of the set
// while it changes.
func (c *CaughtHostCache) updateReputationNoLock(entry *CaughtHost, update func(entry *CaughtHost)) {
	c.reputation.Remove(entry)
	update(entry)
	c.reputation.Add(entry)
}

// ReportConnectionSuccess records that a connection to address was
// established.
func (c *CaughtHostCache) ReportConnectionSuccess(address *wire.NetAddress) {
	now := mstime.Now()
	c.reportConnectionStatus(address, func(entry *CaughtHost) {
		entry.LastSuccessful = now
	})
}

// ReportConnectionFailure records that a connection to address failed.
func (c *CaughtHostCache) ReportConnectionFailure(address *wire.NetAddress) {
	now := mstime.Now()
	c.reportConnectionStatus(address, func(entry *CaughtHost) {
		entry.LastFailed = now
	})
}

func (c *CaughtHostCache) reportConnectionStatus(address *wire.NetAddress, update func(entry *CaughtHost)) {
	c.reputationLock.Lock()
	defer c.reputationLock.Unlock()

	key := netAddressKey(address)
	entry, ok := c.reputationEntries[key]
	if !ok {
		if !c.validator.IsAcceptable(address) {
			return
		}
		entry = NewCaughtHost(address).Copy()
		update(entry)
		c.insertReputationNoLock(key, entry)
		return
	}
	c.updateReputationNoLock(entry, update)
}

// ReputationHosts returns copies of the hosts of the reputation set, best
// connection prospects first.
func (c *CaughtHostCache) ReputationHosts() []*CaughtHost {
	c.reputationLock.Lock()
	defer c.reputationLock.Unlock()

	hosts := make([]*CaughtHost, 0, c.reputation.Size())
	iterator := c.reputation.Iterator()
	for iterator.Next() {
		hosts = append(hosts, iterator.Value().(*CaughtHost).Copy())
	}
	return hosts
}

// ReadyLen returns the number of hosts waiting in the ready tiers.
func (c *CaughtHostCache) ReadyLen() int {
	c.readyLock.Lock()
	defer c.readyLock.Unlock()
	return len(c.ready)
}

// ReputationLen returns the number of hosts in the reputation set.
func (c *CaughtHostCache) ReputationLen() int {
	c.reputationLock.Lock()
	defer c.reputationLock.Unlock()
	return len(c.reputationEntries)
}

// Stats returns a snapshot of the cache sizes.
func (c *CaughtHostCache) Stats() *Stats {
	stats := &Stats{Ready: make(map[string]int, numberOfPriorities)}

	c.readyLock.Lock()
	for priority, tier := range c.tiers {
		stats.Ready[Priority(priority).String()] = tier.len()
	}
	c.readyLock.Unlock()

	stats.Reputation = c.ReputationLen()
	return stats
}

// CheckConsistency verifies that the reputation set and its lookup map
// hold exactly the same entries.
func (c *CaughtHostCache) CheckConsistency() error {
	c.reputationLock.Lock()
	defer c.reputationLock.Unlock()

	if c.reputation.Size() != len(c.reputationEntries) {
		return errors.Errorf("reputation set has %d entries but its lookup map has %d",
			c.reputation.Size(), len(c.reputationEntries))
	}
	for key, host := range c.reputationEntries {
		if netAddressKey(host.Address) != key {
			return errors.Errorf("host %s is mapped under a different address", host)
		}
		if !c.reputation.Contains(host) {
			return errors.Errorf("host %s is in the lookup map but not in the reputation set", host)
		}
	}
	iterator := c.reputation.Iterator()
	for iterator.Next() {
		host := iterator.Value().(*CaughtHost)
		if c.reputationEntries[netAddressKey(host.Address)] != host {
			return errors.Errorf("host %s is in the reputation set but not in the lookup map", host)
		}
	}
	return nil
}

// Load reads the reputation set from the store and queues the loaded
// hosts for connection attempts.
func (c *CaughtHostCache) Load() error {
	if c.store == nil {
		return nil
	}
	hosts, err := c.store.LoadHosts()
	if err != nil {
		return err
	}

	loaded := 0
	// The tiers are LIFO and stores return the best hosts first.
	for i := len(hosts) - 1; i >= 0; i-- {
		host := hosts[i]
		priority := PriorityNormal
		if host.IsUltrapeer {
			priority = PriorityHigh
		}
		if c.AddCaughtHost(host, priority) {
			loaded++
		}
	}
	log.Infof("Loaded %d caught hosts", loaded)
	return c.CheckConsistency()
}

// Save writes the reputation set to the store.
func (c *CaughtHostCache) Save() error {
	if c.store == nil {
		return nil
	}
	err := c.CheckConsistency()
	if err != nil {
		return err
	}
	hosts := c.ReputationHosts()
	err = c.store.SaveHosts(hosts)
	if err != nil {
		return err
	}
	log.Debugf("Saved %d caught hosts", len(hosts))
	return nil
}

// Start launches the periodic saving of the reputation set.
func (c *CaughtHostCache) Start() {
	if atomic.AddInt32(&c.started, 1) != 1 {
		return
	}
	c.wg.Add(1)
	spawn("CaughtHostCache.saveHandler", c.saveHandler)
}

// Stop stops the periodic saving and saves one last time.
func (c *CaughtHostCache) Stop() error {
	if atomic.AddInt32(&c.shutdown, 1) != 1 {
		log.Warnf("Caught host cache is already in the process of shutting down")
		return nil
	}
	close(c.quit)
	c.wg.Wait()
	return c.Save()
}

func (c *CaughtHostCache) saveHandler() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := c.Save()
			if err != nil {
				log.Errorf("Error saving caught hosts: %s", err)
			}
		case <-c.quit:
			return
		}
	}
}
