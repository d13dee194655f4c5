package types

// Reason is a stable rejection/error code, surfaced verbatim in order_update
// and error events. Never wrap these in extra punctuation — downstream
// consumers match on the string.
type Reason string

const (
	ReasonParseError           Reason = "parse_error"
	ReasonDuplicateClientOrder Reason = "duplicate_client_order_id"
	ReasonInsufficientFunds    Reason = "insufficient_funds"
	ReasonPriceOutOfBand       Reason = "price_out_of_band"
	ReasonOrderSizeOutOfRange  Reason = "order_size_out_of_range"
	ReasonOrderRateExceeded    Reason = "order_rate_exceeded"
	ReasonMaxPositionExceeded  Reason = "max_position_exceeded"
	ReasonMaxLeverageExceeded  Reason = "max_leverage_exceeded"
	ReasonStateInvalid         Reason = "state_invalid"
	ReasonNotFound             Reason = "not_found"
	ReasonCircuitBreakerOpen   Reason = "circuit_breaker_open"
	ReasonReplicationOverflow  Reason = "replication_overflow"
	ReasonVenueUnreachable     Reason = "venue_unreachable"
	ReasonWalDurabilityFailed  Reason = "wal_durability_failed"
	ReasonExpired              Reason = "expired"
)
