// Package command implements the Command Bus of spec.md §4.2: a stateless
// parser for the line-oriented textual grammar of §6.1. Parse failures are
// rejected with an error event; parse successes are posted to the Event
// Loop at High priority as a typed request.
package command

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/velozfi/veloz/internal/engine"
	"github.com/velozfi/veloz/internal/eventloop"
	"github.com/velozfi/veloz/internal/eventstream"
	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/types"
)

// DefaultAccount is the single implicit account every command addresses;
// the grammar of spec.md §6.1 carries no account token, so multi-account
// routing is out of scope for this core (see DESIGN.md, "Command grammar
// surface").
const DefaultAccount = "main"

// RoleChecker is implemented by the WAL's RoleGate (internal/wal); Bus
// depends only on this narrow interface to avoid importing internal/wal
// directly. A standby must reject mutating commands per spec.md §4.6 --
// QUERY is read-only and exempt.
type RoleChecker interface {
	RequirePrimary() error
}

// Bus parses inbound command lines and posts the resulting mutation to the
// Event Loop. It holds no per-command state between calls.
type Bus struct {
	rt    *runtime.Runtime
	loop  *eventloop.Loop
	state *engine.State
	emit  *eventstream.Emitter

	roleGate RoleChecker
}

// New builds a Bus bound to loop and state.
func New(rt *runtime.Runtime, loop *eventloop.Loop, state *engine.State, emit *eventstream.Emitter) *Bus {
	return &Bus{rt: rt, loop: loop, state: state, emit: emit}
}

// SetRoleGate installs the standby-gating check. Optional: if never set,
// Submit accepts mutating commands regardless of role (single-node
// deployments with no replication have no standby to gate against).
func (b *Bus) SetRoleGate(rc RoleChecker) {
	b.roleGate = rc
}

// Submit parses one command line. On success it posts the corresponding
// mutation to the Event Loop at High priority; on failure it emits an
// error event immediately and returns the parse error.
func (b *Bus) Submit(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return b.reject("empty command")
	}

	switch strings.ToUpper(fields[0]) {
	case "ORDER":
		if err := b.requirePrimary(); err != nil {
			return b.reject(err.Error())
		}
		req, err := parseOrder(fields[1:])
		if err != nil {
			return b.reject(err.Error())
		}
		b.loop.Post(func() error {
			b.state.PlaceOrder(req)
			return nil
		}, eventloop.High, "command:order", "symbol:"+req.Symbol)
		return nil

	case "CANCEL":
		if err := b.requirePrimary(); err != nil {
			return b.reject(err.Error())
		}
		if len(fields) != 2 {
			return b.reject("CANCEL requires exactly one client_order_id")
		}
		clientOrderID := fields[1]
		b.loop.Post(func() error {
			_, err := b.state.CancelOrder(DefaultAccount, clientOrderID)
			return err
		}, eventloop.High, "command:cancel")
		return nil

	case "QUERY":
		return b.submitQuery(fields[1:])

	default:
		return b.reject(fmt.Sprintf("unrecognized command %q", fields[0]))
	}
}

func (b *Bus) requirePrimary() error {
	if b.roleGate == nil {
		return nil
	}
	return b.roleGate.RequirePrimary()
}

func (b *Bus) submitQuery(fields []string) error {
	if len(fields) == 0 {
		return b.reject("QUERY requires a target")
	}
	switch strings.ToUpper(fields[0]) {
	case "ORDER":
		if len(fields) != 2 {
			return b.reject("QUERY ORDER requires exactly one client_order_id")
		}
		id := fields[1]
		b.loop.Post(func() error { b.state.QueryOrder(id); return nil }, eventloop.High, "command:query")
		return nil

	case "ORDERS":
		b.loop.Post(func() error { b.state.QueryOrders(); return nil }, eventloop.High, "command:query")
		return nil

	case "ACCOUNT":
		b.loop.Post(func() error { b.state.QueryAccount(DefaultAccount); return nil }, eventloop.High, "command:query")
		return nil

	case "POSITION":
		if len(fields) != 2 {
			return b.reject("QUERY POSITION requires exactly one symbol")
		}
		symbol := fields[1]
		b.loop.Post(func() error { b.state.QueryPosition(symbol); return nil }, eventloop.High, "command:query")
		return nil

	case "POSITIONS":
		b.loop.Post(func() error { b.state.QueryPositions(); return nil }, eventloop.High, "command:query")
		return nil

	default:
		return b.reject(fmt.Sprintf("unrecognized query target %q", fields[0]))
	}
}

func (b *Bus) reject(message string) error {
	err := fmt.Errorf("%s: %s", types.ReasonParseError, message)
	b.emit.EmitError(b.rt.Clock.NowNs(), "%s", err.Error())
	return err
}

// parseOrder parses the tokens following "ORDER": <side> <symbol> <qty>
// <price> [client_order_id=<id>] [type=LIMIT|MARKET] [tif=GTC|IOC|FOK]
// [good_til_ns=<ns>] [flags=reduce_only,post_only]. Unknown keys cause
// rejection. good_til_ns only applies to a GTC order (IOC/FOK always
// expire on their own fixed fill-grace window, per spec.md §4.3).
func parseOrder(fields []string) (engine.PlaceOrderRequest, error) {
	if len(fields) < 4 {
		return engine.PlaceOrderRequest{}, fmt.Errorf("ORDER requires side symbol qty price")
	}

	side := types.Side(strings.ToUpper(fields[0]))
	if side != types.SideBuy && side != types.SideSell {
		return engine.PlaceOrderRequest{}, fmt.Errorf("invalid side %q", fields[0])
	}

	symbol := fields[1]

	qty, err := decimal.NewFromString(fields[2])
	if err != nil {
		return engine.PlaceOrderRequest{}, fmt.Errorf("invalid qty %q", fields[2])
	}

	price, err := decimal.NewFromString(fields[3])
	if err != nil {
		return engine.PlaceOrderRequest{}, fmt.Errorf("invalid price %q", fields[3])
	}

	req := engine.PlaceOrderRequest{
		Account:     DefaultAccount,
		Symbol:      symbol,
		Side:        side,
		Type:        types.OrderTypeLimit,
		OrderQty:    qty,
		LimitPrice:  price,
		TimeInForce: types.TIFGTC,
	}

	var goodTilNsSet bool
	for _, tok := range fields[4:] {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			return engine.PlaceOrderRequest{}, fmt.Errorf("malformed key=value token %q", tok)
		}
		key, value := strings.ToLower(kv[0]), kv[1]

		switch key {
		case "client_order_id":
			if len(value) == 0 || len(value) > 64 {
				return engine.PlaceOrderRequest{}, fmt.Errorf("client_order_id must be 1-64 chars")
			}
			req.ClientOrderID = value

		case "type":
			t := types.OrderType(strings.ToUpper(value))
			if t != types.OrderTypeLimit && t != types.OrderTypeMarket {
				return engine.PlaceOrderRequest{}, fmt.Errorf("invalid type %q", value)
			}
			req.Type = t

		case "tif":
			tif := types.TimeInForce(strings.ToUpper(value))
			switch tif {
			case types.TIFGTC, types.TIFIOC, types.TIFFOK:
				req.TimeInForce = tif
			default:
				return engine.PlaceOrderRequest{}, fmt.Errorf("invalid tif %q", value)
			}

		case "good_til_ns":
			ns, err := strconv.ParseInt(value, 10, 64)
			if err != nil || ns <= 0 {
				return engine.PlaceOrderRequest{}, fmt.Errorf("invalid good_til_ns %q", value)
			}
			req.GoodTilNs = ns
			goodTilNsSet = true

		case "flags":
			for _, flag := range strings.Split(value, ",") {
				switch strings.ToLower(flag) {
				case "reduce_only":
					req.Flags.ReduceOnly = true
				case "post_only":
					req.Flags.PostOnly = true
				default:
					return engine.PlaceOrderRequest{}, fmt.Errorf("invalid flag %q", flag)
				}
			}

		default:
			return engine.PlaceOrderRequest{}, fmt.Errorf("unknown key %q", key)
		}
	}

	if goodTilNsSet && req.TimeInForce != types.TIFGTC {
		return engine.PlaceOrderRequest{}, fmt.Errorf("good_til_ns only applies to tif=GTC")
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = synthesizeClientOrderID(symbol)
	}
	if req.Type == types.OrderTypeLimit && !price.IsPositive() {
		return engine.PlaceOrderRequest{}, fmt.Errorf("limit_price must be > 0 for LIMIT orders")
	}
	if !qty.IsPositive() {
		return engine.PlaceOrderRequest{}, fmt.Errorf("order_qty must be > 0")
	}

	return req, nil
}

// synthesizeSeq is shared across every connection goroutine serveTCP spawns
// (cmd/veloz/main.go), so it is incremented atomically, matching
// internal/fillsim/venue.go's Venue.nonce.
var synthesizeSeq atomic.Int64

func synthesizeClientOrderID(symbol string) string {
	return fmt.Sprintf("auto-%s-%d", symbol, synthesizeSeq.Add(1))
}
