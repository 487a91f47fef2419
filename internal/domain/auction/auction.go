// Package auction defines the immutable auction marketplace records carried by the event log
// and the message shapes pushed to subscribed clients.
package auction

import "time"

// AuctionEvent is the latest version of an auction row as emitted by the log.
// IsExisting is a tombstone flag: false means the auction was logically deleted.
type AuctionEvent struct {
	AuctionID     string    `json:"auction_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	NumberOfBids  int64     `json:"number_of_bids"`
	StartingPrice Amount    `json:"starting_price"`
	CurrentPrice  Amount    `json:"current_price"`
	Leader        string    `json:"leader"`
	Winner        string    `json:"winner"`
	CreatedAt     time.Time `json:"created_at"`
	EndDate       time.Time `json:"end_date"`
	IsOpen        bool      `json:"is_open"`
	IsExisting    bool      `json:"is_existing"`
}

// BidEvent is a single accepted bid. Amount ordering against the auction's
// current price is enforced upstream.
type BidEvent struct {
	AuctionID string    `json:"auction_id"`
	Username  string    `json:"username"`
	BidAmount Amount    `json:"bid_amount"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessageEvent is a chat message posted on an auction.
type ChatMessageEvent struct {
	MessageID        string    `json:"message_id"`
	AuctionID        string    `json:"auction_id"`
	Username         string    `json:"username"`
	MessageText      string    `json:"message_text"`
	CreatedTimestamp time.Time `json:"created_timestamp"`
}

// FeedEvent is one entry of the global recent-activity feed: a bid joined with its auction title.
type FeedEvent struct {
	Title     string    `json:"title"`
	Username  string    `json:"username"`
	BidAmount Amount    `json:"bid_amount"`
	Timestamp time.Time `json:"timestamp"`
}

// BidMessage is what a bids-for-auction subscriber receives.
type BidMessage struct {
	Username  string    `json:"username"`
	BidAmount Amount    `json:"bid_amount"`
	Timestamp time.Time `json:"timestamp"`
}

// OverviewMessage is what an auction-overview subscriber receives.
// The tombstone flag is consumed by the filter and not sent.
type OverviewMessage struct {
	AuctionID     string    `json:"auction_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	NumberOfBids  int64     `json:"number_of_bids"`
	StartingPrice Amount    `json:"starting_price"`
	CurrentPrice  Amount    `json:"current_price"`
	Leader        string    `json:"leader"`
	Winner        string    `json:"winner"`
	CreatedAt     time.Time `json:"created_at"`
	EndDate       time.Time `json:"end_date"`
	IsOpen        bool      `json:"is_open"`
}

// ChatMessage is what a chat-for-auction subscriber receives.
type ChatMessage struct {
	MessageID        string    `json:"message_id"`
	Username         string    `json:"username"`
	MessageText      string    `json:"message_text"`
	CreatedTimestamp time.Time `json:"created_timestamp"`
}

// Overview narrows an auction row to the overview message.
func (a AuctionEvent) Overview() OverviewMessage {
	return OverviewMessage{
		AuctionID:     a.AuctionID,
		Title:         a.Title,
		Description:   a.Description,
		NumberOfBids:  a.NumberOfBids,
		StartingPrice: a.StartingPrice,
		CurrentPrice:  a.CurrentPrice,
		Leader:        a.Leader,
		Winner:        a.Winner,
		CreatedAt:     a.CreatedAt,
		EndDate:       a.EndDate,
		IsOpen:        a.IsOpen,
	}
}

// Message narrows a bid to the per-auction bid message.
func (b BidEvent) Message() BidMessage {
	return BidMessage{Username: b.Username, BidAmount: b.BidAmount, Timestamp: b.Timestamp}
}

// Message narrows a chat event to the per-auction chat message.
func (c ChatMessageEvent) Message() ChatMessage {
	return ChatMessage{
		MessageID:        c.MessageID,
		Username:         c.Username,
		MessageText:      c.MessageText,
		CreatedTimestamp: c.CreatedTimestamp,
	}
}
