package segment

import (
	"context"
	"sync"
	"time"

	"github.com/lfaureyt/rx-player/internal/logger"
)

// ActiveKeysProvider is a function type that provides the set of content
// keys whose initialization segments are still in use.
type ActiveKeysProvider func() map[string]struct{}

// InitCache provides a thread-safe, in-memory cache for initialization
// segments, keyed by content. Audio and video init segments are requested
// again on every quality switch, so keeping them around saves a round trip.
type InitCache struct {
	mutex    sync.RWMutex
	cache    map[string][]byte
	logger   logger.Logger
	provider ActiveKeysProvider

	// Control
	ctx    context.Context
	cancel context.CancelFunc
}

// NewInitCache creates and returns a new InitCache.
func NewInitCache(log logger.Logger, provider ActiveKeysProvider) *InitCache {
	ctx, cancel := context.WithCancel(context.Background())
	return &InitCache{
		cache:    make(map[string][]byte),
		logger:   log,
		provider: provider,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the background eviction worker.
func (ic *InitCache) Start() {
	ic.logger.Infof("Starting init cache eviction worker...")
	go ic.evictionWorker()
}

// Stop gracefully shuts down the eviction worker.
func (ic *InitCache) Stop() {
	ic.logger.Infof("Stopping init cache eviction worker...")
	ic.cancel()
}

// Set adds an initialization segment to the cache.
func (ic *InitCache) Set(key string, data []byte) {
	ic.mutex.Lock()
	defer ic.mutex.Unlock()
	ic.cache[key] = data
	ic.logger.Debugf("Cached init segment: %s, size: %d bytes", key, len(data))
}

// Get retrieves an initialization segment from the cache.
func (ic *InitCache) Get(key string) ([]byte, bool) {
	ic.mutex.RLock()
	defer ic.mutex.RUnlock()
	data, found := ic.cache[key]
	return data, found
}

// evictionWorker runs in the background to clean up entries for contents
// that are no longer played.
func (ic *InitCache) evictionWorker() {
	ticker := time.NewTicker(10 * time.Second) // Run eviction every 10 seconds
	defer ticker.Stop()

	for {
		select {
		case <-ic.ctx.Done():
			ic.logger.Infof("Eviction worker stopped.")
			return
		case <-ticker.C:
			ic.runEviction()
		}
	}
}

func (ic *InitCache) runEviction() {
	ic.logger.Debugf("Running init cache eviction...")
	activeKeys := ic.provider()

	ic.mutex.Lock()
	defer ic.mutex.Unlock()

	evictedCount := 0
	for key := range ic.cache {
		if _, isActive := activeKeys[key]; !isActive {
			delete(ic.cache, key)
			evictedCount++
		}
	}

	if evictedCount > 0 {
		ic.logger.Infof("Evicted %d init segments from cache. Current cache size: %d entries.", evictedCount, len(ic.cache))
	} else {
		ic.logger.Debugf("No init segments to evict. Current cache size: %d entries.", len(ic.cache))
	}
}
