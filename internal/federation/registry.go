package federation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kiwiql/kiwi/internal/observability"
)

// Builder produces a ready instance for one (session, dataset) pair.
type Builder func(ctx context.Context) (*Instance, error)

// Registry owns the live engine instances, keyed by session and dataset.
// Concurrent requests for the same key share a single build through
// singleflight, so attach work runs at most once per key. A failed build
// caches nothing; the next request retries from scratch.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Instance
	group     singleflight.Group
}

func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

func instanceKey(sessionID, datasetID string) string {
	return sessionID + "\x00" + datasetID
}

// GetOrCreate returns the cached instance for the key or builds one.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID, datasetID string, build Builder) (*Instance, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	key := instanceKey(sessionID, datasetID)

	r.mu.Lock()
	if instance, ok := r.instances[key]; ok {
		r.mu.Unlock()
		return instance, nil
	}
	r.mu.Unlock()

	value, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.Lock()
		if instance, ok := r.instances[key]; ok {
			r.mu.Unlock()
			return instance, nil
		}
		r.mu.Unlock()

		instance, err := build(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.instances[key] = instance
		count := len(r.instances)
		r.mu.Unlock()
		observability.SetEngineInstances(count)
		return instance, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Instance), nil
}

// Discard drops and closes the instance for one key, if present. Used
// when an instance turns out to be broken mid-query.
func (r *Registry) Discard(sessionID, datasetID string) {
	key := instanceKey(sessionID, datasetID)

	r.mu.Lock()
	instance, ok := r.instances[key]
	if ok {
		delete(r.instances, key)
	}
	count := len(r.instances)
	r.mu.Unlock()

	if ok {
		_ = instance.Close()
		observability.SetEngineInstances(count)
	}
}

// CloseSession tears down every instance belonging to one session.
func (r *Registry) CloseSession(sessionID string) int {
	prefix := sessionID + "\x00"

	r.mu.Lock()
	var closing []*Instance
	for key, instance := range r.instances {
		if strings.HasPrefix(key, prefix) {
			closing = append(closing, instance)
			delete(r.instances, key)
		}
	}
	count := len(r.instances)
	r.mu.Unlock()

	for _, instance := range closing {
		_ = instance.Close()
	}
	observability.SetEngineInstances(count)
	return len(closing)
}

// Close tears down all instances. Called on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	closing := make([]*Instance, 0, len(r.instances))
	for _, instance := range r.instances {
		closing = append(closing, instance)
	}
	r.instances = make(map[string]*Instance)
	r.mu.Unlock()

	for _, instance := range closing {
		_ = instance.Close()
	}
	observability.SetEngineInstances(0)
}
