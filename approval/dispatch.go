/*
dispatch.go - Routing approved requests to their handlers

PURPOSE:
  An approved request has a real-world effect (a delete, a structure edit, a
  field edit). The Dispatcher maps each catalog key to exactly one Handler
  and runs it inside the decision transaction, so the effect and the
  approved status commit or roll back together.

STARTUP CHECK:
  NewDispatcher fails unless the handler map covers the Catalog exactly.
  An unmapped pair is caught when the process starts, not on live traffic.
  A stored request whose key has no handler still surfaces as
  HandlerNotFoundError at decision time; it is never a silent no-op.
*/
package approval

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Dispatch is what a handler receives: the request identity plus the
// payload already decoded into the variant for its key.
type Dispatch struct {
	RequestID RequestID
	Key       ActionKey
	ObjectID  string
	Scope     string
	Payload   Payload
}

// Handler applies one approved request within tx.
type Handler interface {
	Handle(ctx context.Context, tx Tx, d Dispatch) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tx Tx, d Dispatch) error

func (f HandlerFunc) Handle(ctx context.Context, tx Tx, d Dispatch) error {
	return f(ctx, tx, d)
}

// Dispatcher is a static key → handler table.
type Dispatcher struct {
	handlers map[ActionKey]Handler
}

// NewDispatcher validates that handlers covers Catalog exactly.
func NewDispatcher(handlers map[ActionKey]Handler) (*Dispatcher, error) {
	var missing, extra []string
	for key := range Catalog {
		if h, ok := handlers[key]; !ok || h == nil {
			missing = append(missing, key.String())
		}
	}
	for key := range handlers {
		if !Governed(key) {
			extra = append(extra, key.String())
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		return nil, fmt.Errorf("dispatcher does not match catalog: missing [%s] unknown [%s]",
			strings.Join(missing, ", "), strings.Join(extra, ", "))
	}

	table := make(map[ActionKey]Handler, len(handlers))
	for k, h := range handlers {
		table[k] = h
	}
	return &Dispatcher{handlers: table}, nil
}

// Dispatch decodes the request payload and runs its handler.
func (d *Dispatcher) Dispatch(ctx context.Context, tx Tx, req Request) error {
	key := req.Key()
	h, ok := d.handlers[key]
	if !ok {
		return &HandlerNotFoundError{Key: key}
	}

	payload, err := DecodePayload(key, req.Payload)
	if err != nil {
		return err
	}

	return h.Handle(ctx, tx, Dispatch{
		RequestID: req.ID,
		Key:       key,
		ObjectID:  req.ObjectID,
		Scope:     req.Scope,
		Payload:   payload,
	})
}
