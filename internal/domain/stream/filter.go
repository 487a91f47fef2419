package stream

import "fmt"

// FilterKind enumerates the predicates a subscription can carry.
type FilterKind int

const (
	// FilterNone passes every record.
	FilterNone FilterKind = iota
	// FilterByAuctionID passes records whose auction_id equals Filter.AuctionID.
	FilterByAuctionID
	// FilterExisting passes records whose is_existing flag is true.
	FilterExisting
)

func (k FilterKind) String() string {
	switch k {
	case FilterNone:
		return "none"
	case FilterByAuctionID:
		return "auction_id"
	case FilterExisting:
		return "existing"
	default:
		return fmt.Sprintf("filter(%d)", int(k))
	}
}

// Filter is a predicate evaluated on the raw row before any projection work.
type Filter struct {
	Kind      FilterKind
	AuctionID string
}

// ByAuctionID returns a filter matching rows for one auction.
func ByAuctionID(id string) Filter { return Filter{Kind: FilterByAuctionID, AuctionID: id} }

// Existing returns a filter dropping tombstoned auction rows.
func Existing() Filter { return Filter{Kind: FilterExisting} }

// NoFilter returns the pass-all filter.
func NoFilter() Filter { return Filter{Kind: FilterNone} }

// Match reports whether the row passes the filter. A row missing the
// column the filter reads is malformed and reported as an error.
func (f Filter) Match(row Row) (bool, error) {
	switch f.Kind {
	case FilterByAuctionID:
		id, err := row.String("auction_id")
		if err != nil {
			return false, err
		}
		return id == f.AuctionID, nil
	case FilterExisting:
		return row.Bool("is_existing")
	default:
		return true, nil
	}
}

// Signature identifies the filtered view. Two subscriptions with equal topic
// and signature see exactly the same records.
func (f Filter) Signature() string {
	if f.Kind == FilterByAuctionID {
		return f.Kind.String() + "=" + f.AuctionID
	}
	return f.Kind.String()
}
