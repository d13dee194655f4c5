package fillsim

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/velozfi/veloz/internal/config"
	"github.com/velozfi/veloz/internal/engine"
	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/types"
)

// VenueRequest is the outbound order placement request signed and sent to
// the venue's REST endpoint.
type VenueRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          types.Side      `json:"side"`
	Type          types.OrderType `json:"type"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Nonce         int64           `json:"nonce"`
	Signature     string          `json:"signature"`
}

// VenueReceipt is a normalized fill/ack/reject notification received back
// from the venue over the WS stream. The REST placement response is not
// parsed into a receipt.
type VenueReceipt struct {
	ClientOrderID string
	VenueOrderID  string
	Sequence      uint64
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Acked         bool
	Rejected      bool
}

// Venue implements engine.FillScheduler by forwarding accepted orders to an
// external venue's API, signing each request with an ECDSA key (the same
// secp256k1 signing primitive the teacher uses for CLOB order auth), and
// feeding receipts back into Engine State as they arrive over a WebSocket
// stream. Network faults are retried with exponential backoff; after
// MaxRetries the order is rejected only if the venue never acknowledged,
// per spec.md §4.5.
type Venue struct {
	rt      *runtime.Runtime
	cfg     config.VenueConfig
	state   Applier
	key     *ecdsa.PrivateKey
	http    *http.Client
	conn    *websocket.Conn
	nonce   atomic.Int64

	mu      sync.Mutex
	pending map[string]string // client_order_id -> account, for receipt routing
}

// NewVenue builds a Venue adapter. If cfg.PrivateKeyHex is empty, requests
// are sent unsigned (paper/testnet venues that don't require auth).
func NewVenue(rt *runtime.Runtime, cfg config.VenueConfig, state Applier) (*Venue, error) {
	v := &Venue{
		rt:      rt,
		cfg:     cfg,
		state:   state,
		http:    &http.Client{Timeout: 10 * time.Second},
		pending: make(map[string]string),
	}
	if cfg.PrivateKeyHex != "" {
		key, err := crypto.HexToECDSA(cfg.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("fillsim: invalid venue private key: %w", err)
		}
		v.key = key
	}
	return v, nil
}

// Connect dials the venue's receipt WebSocket stream and starts the reader
// goroutine that reconciles receipts back into Engine State.
func (v *Venue) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, v.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("fillsim: venue websocket dial: %w", err)
	}
	v.conn = conn
	go v.readReceipts()
	return nil
}

func (v *Venue) readReceipts() {
	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			v.rt.Log.Warn().Err(err).Msg("fillsim: venue websocket read failed, stream ending")
			return
		}
		var r VenueReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			v.rt.Log.Error().Err(err).Msg("fillsim: venue receipt decode failed")
			continue
		}
		v.applyReceipt(r)
	}
}

func (v *Venue) applyReceipt(r VenueReceipt) {
	v.mu.Lock()
	account, ok := v.pending[r.ClientOrderID]
	v.mu.Unlock()
	if !ok {
		return
	}
	if r.Rejected || r.Qty.IsZero() {
		return
	}
	if err := v.state.ApplyFill(engine.FillRequest{
		Account:       account,
		ClientOrderID: r.ClientOrderID,
		VenueOrderID:  r.VenueOrderID,
		Qty:           r.Qty,
		Price:         r.Price,
		Sequence:      r.Sequence,
	}); err != nil {
		v.rt.Log.Error().Err(err).Str("client_order_id", r.ClientOrderID).Msg("fillsim: venue receipt apply failed")
	}
}

// Schedule implements engine.FillScheduler: it signs and submits the order
// to the venue, retrying transient failures with exponential backoff.
// Out-of-order / asynchronous fill receipts arrive later over the
// WebSocket stream and are reconciled by readReceipts, per spec.md §4.3.
func (v *Venue) Schedule(account string, o *types.Order) {
	v.mu.Lock()
	v.pending[o.ClientOrderID] = account
	v.mu.Unlock()

	go func() {
		req := v.buildRequest(o)
		if err := v.submitWithRetry(req); err != nil {
			v.rt.Log.Error().Err(err).Str("client_order_id", o.ClientOrderID).Msg("fillsim: venue unreachable after retries")
			v.state.RejectUnacknowledged(account, o.ClientOrderID)
		}
	}()
}

func (v *Venue) buildRequest(o *types.Order) VenueRequest {
	req := VenueRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Qty:           o.Remaining(),
		Price:         o.LimitPrice,
		Nonce:         v.nonce.Add(1),
	}
	if v.key != nil {
		req.Signature = v.sign(req)
	}
	return req
}

// sign hashes the canonical request body with Keccak256 and signs it with
// the venue key, the same secp256k1 primitive the teacher's CLOB client
// uses for EIP-712 order authentication, simplified here to a single
// request-hash signature rather than a full typed-data domain.
func (v *Venue) sign(req VenueRequest) string {
	body, _ := json.Marshal(req)
	hash := crypto.Keccak256(body)
	sig, err := crypto.Sign(hash, v.key)
	if err != nil {
		v.rt.Log.Error().Err(err).Msg("fillsim: venue request signing failed")
		return ""
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return fmt.Sprintf("0x%x", sig)
}

func (v *Venue) submitWithRetry(req VenueRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("fillsim: marshal venue request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= v.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(v.cfg.RetryBaseMs) * time.Millisecond * time.Duration(1<<uint(attempt-1))
			time.Sleep(backoff)
		}

		resp, err := v.http.Post(v.cfg.RESTBaseURL+"/orders", "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("%s: venue returned status %d", types.ReasonVenueUnreachable, resp.StatusCode)
	}
	return lastErr
}

// GetOpenOrders fetches the venue's own view of outstanding orders, for
// Reconciler.VerifyAgainstVenue's comparison against the locally
// ACCEPTED/PARTIALLY_FILLED set, per spec.md's venue-reconciliation
// requirement.
func (v *Venue) GetOpenOrders(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.RESTBaseURL+"/orders/open", nil)
	if err != nil {
		return nil, fmt.Errorf("fillsim: build open-orders request: %w", err)
	}
	resp, err := v.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fillsim: venue open-orders request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: venue open-orders returned status %d", types.ReasonVenueUnreachable, resp.StatusCode)
	}

	var body struct {
		Orders []struct {
			ClientOrderID string `json:"client_order_id"`
		} `json:"orders"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("fillsim: decode venue open-orders response: %w", err)
	}
	ids := make([]string, 0, len(body.Orders))
	for _, o := range body.Orders {
		ids = append(ids, o.ClientOrderID)
	}
	return ids, nil
}

// Close releases the websocket connection.
func (v *Venue) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}
