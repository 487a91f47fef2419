// Package stream holds the projection and filter stage between raw log records and the
// message shapes sent to subscribers.
package stream

import "time"

// Topic names an ordered, append-only stream in the upstream log.
type Topic string

// Topics read by the bridge.
const (
	TopicAuctions Topic = "auctions"
	TopicBids     Topic = "bids"
	TopicFeed     Topic = "feed"
	TopicChat     Topic = "chat"
)

// KnownTopics lists every topic the bridge may subscribe to.
var KnownTopics = []Topic{TopicAuctions, TopicBids, TopicFeed, TopicChat}

// Valid reports whether t is one of KnownTopics.
func (t Topic) Valid() bool {
	for _, k := range KnownTopics {
		if t == k {
			return true
		}
	}
	return false
}

// RawRecord is one record as delivered by the event source, before projection.
// Data holds the JSON object emitted by the log.
type RawRecord struct {
	Topic      Topic
	Data       []byte
	ReceivedAt time.Time
}
