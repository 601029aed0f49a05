// Package registry tracks the discovery topics currently believed to be
// published on the broker. Entries arrive from two places: the stream loop
// after each add, and the broker callback when a retained discovery message
// is observed at startup.
package registry

import (
	"sort"
	"sync"
)

// Registry is a concurrency-safe set of discovery topics.
type Registry struct {
	mu     sync.Mutex
	topics map[string]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{topics: make(map[string]struct{})}
}

// Record adds topic to the set. Empty topics are ignored.
func (r *Registry) Record(topic string) {
	if topic == "" {
		return
	}
	r.mu.Lock()
	r.topics[topic] = struct{}{}
	r.mu.Unlock()
}

// Forget removes topic from the set.
func (r *Registry) Forget(topic string) {
	r.mu.Lock()
	delete(r.topics, topic)
	r.mu.Unlock()
}

// Contains reports whether topic is tracked.
func (r *Registry) Contains(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.topics[topic]
	return ok
}

// Len returns the number of tracked topics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

// DrainAll removes and returns every tracked topic in sorted order. Topics
// recorded concurrently either land in this batch or stay for the next one.
func (r *Registry) DrainAll() []string {
	r.mu.Lock()
	drained := r.topics
	r.topics = make(map[string]struct{}, len(drained))
	r.mu.Unlock()

	return sortedKeys(drained)
}

// Snapshot returns the tracked topics in sorted order without removing them.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.topics)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for topic := range set {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}
