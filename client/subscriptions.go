// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sort"

type subscription struct {
	identity Identity
	handler  Handler
}

// subscriptionRegistry maps message IDs to subscribers in registration order.
// The client is single-threaded, so the registry is not locked.
type subscriptionRegistry struct {
	subs map[MessageID][]subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		subs: make(map[MessageID][]subscription),
	}
}

// add registers h under (id, identity). It reports whether a subscription
// was added and whether it is the first one for id.
func (r *subscriptionRegistry) add(id MessageID, identity Identity, h Handler) (added, first bool) {
	list := r.subs[id]
	for _, s := range list {
		if s.identity == identity {
			return false, false
		}
	}
	r.subs[id] = append(list, subscription{identity: identity, handler: h})
	return true, len(list) == 0
}

// remove deletes (id, identity). It reports whether a subscription was
// removed and whether id has no subscribers left.
func (r *subscriptionRegistry) remove(id MessageID, identity Identity) (removed, last bool) {
	list := r.subs[id]
	for i, s := range list {
		if s.identity != identity {
			continue
		}
		// Copy so snapshots taken by an in-progress dispatch stay intact.
		next := make([]subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.subs, id)
			return true, true
		}
		r.subs[id] = next
		return true, false
	}
	return false, false
}

// snapshot returns the subscribers of id. The slice must not be modified.
func (r *subscriptionRegistry) snapshot(id MessageID) []subscription {
	return r.subs[id]
}

func (r *subscriptionRegistry) count(id MessageID) int {
	return len(r.subs[id])
}

// idsFor returns every message ID identity is registered on, in ascending order.
func (r *subscriptionRegistry) idsFor(identity Identity) []MessageID {
	var ids []MessageID
	for id, list := range r.subs {
		for _, s := range list {
			if s.identity == identity {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ids returns every message ID with at least one subscriber, in ascending order.
func (r *subscriptionRegistry) ids() []MessageID {
	ids := make([]MessageID, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
