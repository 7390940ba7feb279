package bridge

import (
	"sort"
	"sync"
)

// subscriptionSet is the per-adapter registry of inbound consumers.
type subscriptionSet struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{subs: make(map[string]*Subscription)}
}

func (s *subscriptionSet) add(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
}

func (s *subscriptionSet) get(id string) (Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

func (s *subscriptionSet) remove(id string) (Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return Subscription{}, false
	}
	delete(s.subs, id)
	return *sub, true
}

func (s *subscriptionSet) setHandle(id string, handle interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return false
	}
	sub.Handle = handle
	return true
}

// snapshot returns copies of the entries accepted by match, oldest first.
func (s *subscriptionSet) snapshot(match func(Subscription) bool) []Subscription {
	s.mu.RLock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if match == nil || match(*sub) {
			out = append(out, *sub)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *subscriptionSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *subscriptionSet) clear() []Subscription {
	s.mu.Lock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, *sub)
	}
	s.subs = make(map[string]*Subscription)
	s.mu.Unlock()
	return out
}
