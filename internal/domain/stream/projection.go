package stream

import (
	"errors"

	"github.com/Strob0t/LiveAuction/internal/domain/auction"
)

// Projection turns raw records of one topic into the message shape a subscription wants.
type Projection struct {
	Name   string
	Topic  Topic
	Filter Filter
	Map    func(Row) (any, error)
}

// Key identifies the filtered view a projection reads, for sharing upstream subscriptions.
func (p Projection) Key() string {
	return string(p.Topic) + "|" + p.Filter.Signature()
}

// Apply decodes rec, evaluates the filter and maps the row. ok is false when
// the filter rejected the record. A non-nil error means the record is malformed.
func (p Projection) Apply(rec RawRecord) (msg any, ok bool, err error) {
	row, err := DecodeRow(rec.Data)
	if err != nil {
		return nil, false, err
	}
	match, err := p.Filter.Match(row)
	if err != nil || !match {
		return nil, false, err
	}
	msg, err = p.Map(row)
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// BidsForAuction streams bids placed on one auction.
func BidsForAuction(auctionID string) Projection {
	return Projection{
		Name:   "auction_bids",
		Topic:  TopicBids,
		Filter: ByAuctionID(auctionID),
		Map: func(row Row) (any, error) {
			bid, err := ParseBid(row)
			if err != nil {
				return nil, err
			}
			return bid.Message(), nil
		},
	}
}

// AuctionOverview streams every auction change except tombstones.
func AuctionOverview() Projection {
	return Projection{
		Name:   "auction_overview",
		Topic:  TopicAuctions,
		Filter: Existing(),
		Map: func(row Row) (any, error) {
			a, err := ParseAuction(row)
			if err != nil {
				return nil, err
			}
			return a.Overview(), nil
		},
	}
}

// RecentBids streams the global bid feed. The feed topic is already joined
// with auction titles, so there is no predicate.
func RecentBids() Projection {
	return Projection{
		Name:   "recent_bids",
		Topic:  TopicFeed,
		Filter: NoFilter(),
		Map: func(row Row) (any, error) {
			return ParseFeed(row)
		},
	}
}

// ChatForAuction streams chat messages posted on one auction.
func ChatForAuction(auctionID string) Projection {
	return Projection{
		Name:   "auction_chat",
		Topic:  TopicChat,
		Filter: ByAuctionID(auctionID),
		Map: func(row Row) (any, error) {
			c, err := ParseChat(row)
			if err != nil {
				return nil, err
			}
			return c.Message(), nil
		},
	}
}

// ParseBid reads a bid row.
func ParseBid(row Row) (auction.BidEvent, error) {
	var (
		b    auction.BidEvent
		errs []error
		err  error
	)
	b.AuctionID, err = row.String("auction_id")
	errs = append(errs, err)
	b.Username, err = row.String("username")
	errs = append(errs, err)
	b.BidAmount, err = row.Amount("bid_amount")
	errs = append(errs, err)
	b.Timestamp, err = row.Time("timestamp")
	errs = append(errs, err)
	return b, errors.Join(errs...)
}

// ParseAuction reads an auction row. Description, leader, winner and end date may be absent.
func ParseAuction(row Row) (auction.AuctionEvent, error) {
	var (
		a    auction.AuctionEvent
		errs []error
		err  error
	)
	a.AuctionID, err = row.String("auction_id")
	errs = append(errs, err)
	a.Title, err = row.String("title")
	errs = append(errs, err)
	a.Description, err = row.OptionalString("description")
	errs = append(errs, err)
	a.NumberOfBids, err = row.Int("number_of_bids")
	errs = append(errs, err)
	a.StartingPrice, err = row.Amount("starting_price")
	errs = append(errs, err)
	a.CurrentPrice, err = row.Amount("current_price")
	errs = append(errs, err)
	a.Leader, err = row.OptionalString("leader")
	errs = append(errs, err)
	a.Winner, err = row.OptionalString("winner")
	errs = append(errs, err)
	a.CreatedAt, err = row.Time("created_at")
	errs = append(errs, err)
	a.EndDate, err = row.OptionalTime("end_date")
	errs = append(errs, err)
	a.IsOpen, err = row.Bool("is_open")
	errs = append(errs, err)
	a.IsExisting, err = row.Bool("is_existing")
	errs = append(errs, err)
	return a, errors.Join(errs...)
}

// ParseFeed reads a joined auction/bid feed row.
func ParseFeed(row Row) (auction.FeedEvent, error) {
	var (
		f    auction.FeedEvent
		errs []error
		err  error
	)
	f.Title, err = row.String("title")
	errs = append(errs, err)
	f.Username, err = row.String("username")
	errs = append(errs, err)
	f.BidAmount, err = row.Amount("bid_amount")
	errs = append(errs, err)
	f.Timestamp, err = row.Time("timestamp")
	errs = append(errs, err)
	return f, errors.Join(errs...)
}

// ParseChat reads a chat message row.
func ParseChat(row Row) (auction.ChatMessageEvent, error) {
	var (
		c    auction.ChatMessageEvent
		errs []error
		err  error
	)
	c.MessageID, err = row.String("message_id")
	errs = append(errs, err)
	c.AuctionID, err = row.String("auction_id")
	errs = append(errs, err)
	c.Username, err = row.String("username")
	errs = append(errs, err)
	c.MessageText, err = row.String("message_text")
	errs = append(errs, err)
	c.CreatedTimestamp, err = row.Time("created_timestamp")
	errs = append(errs, err)
	return c, errors.Join(errs...)
}
