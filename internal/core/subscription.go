package core

import "sort"

// SubscriptionIndex is the reverse index from topic to subscribed
// connection ids. A topic exists only while it has subscribers; removing the
// last one deletes the entry.
//
// The index holds ids, never connections. The registry keeps each
// connection's own topic set in step with it.
type SubscriptionIndex struct {
	topics map[string]map[string]struct{}
	pairs  int
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{topics: make(map[string]map[string]struct{})}
}

// Add registers id under topic. Reports false if it was already present.
func (idx *SubscriptionIndex) Add(topic, id string) bool {
	subs := idx.topics[topic]
	if subs == nil {
		subs = make(map[string]struct{})
		idx.topics[topic] = subs
	}
	if _, ok := subs[id]; ok {
		return false
	}
	subs[id] = struct{}{}
	idx.pairs++
	return true
}

// Remove unregisters id from topic, deleting the topic when it empties.
// Reports false if id was not subscribed.
func (idx *SubscriptionIndex) Remove(topic, id string) bool {
	subs, ok := idx.topics[topic]
	if !ok {
		return false
	}
	if _, ok := subs[id]; !ok {
		return false
	}
	delete(subs, id)
	idx.pairs--
	if len(subs) == 0 {
		delete(idx.topics, topic)
	}
	return true
}

// SubscribersOf returns the subscribers of topic in sorted order. An
// unknown topic yields an empty result.
func (idx *SubscriptionIndex) SubscribersOf(topic string) []string {
	subs := idx.topics[topic]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of subscribers of topic.
func (idx *SubscriptionIndex) Count(topic string) int {
	return len(idx.topics[topic])
}

// Has reports whether topic currently has any subscriber.
func (idx *SubscriptionIndex) Has(topic string) bool {
	_, ok := idx.topics[topic]
	return ok
}

// Topics returns every topic with at least one subscriber, sorted.
func (idx *SubscriptionIndex) Topics() []string {
	topics := make([]string, 0, len(idx.topics))
	for t := range idx.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Len is the number of (topic, connection) pairs.
func (idx *SubscriptionIndex) Len() int { return idx.pairs }

// TopicCount is the number of live topics.
func (idx *SubscriptionIndex) TopicCount() int { return len(idx.topics) }
