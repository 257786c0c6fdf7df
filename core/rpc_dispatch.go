package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
)

// OpID is the opaque 64-bit operation id carried by every question,
// answer, and statement.
type OpID uint64

// NewOpID mints an id from a random UUID's low 8 bytes: collisions are
// as unlikely as a UUID collision and no sequence state needs to survive
// a restart.
func NewOpID() OpID {
	id := uuid.New()
	return OpID(binary.BigEndian.Uint64(id[8:16]))
}

// RespondToKind selects how an answer should be returned to the asker.
type RespondToKind int

const (
	RespondToNone RespondToKind = iota
	RespondToSender
	RespondToPrivateRoute
)

// RespondTo names where an answer to a question should go.
type RespondTo struct {
	Kind   RespondToKind
	Sender NodeID
	Route  *PrivateRoute
}

// DestinationKind selects how a dispatcher resolves an operation target.
type DestinationKind int

const (
	DestinationDirect DestinationKind = iota
	DestinationPrivateRoute
	DestinationSafetyRoute
)

// Destination is where an outbound operation is headed.
type Destination struct {
	Kind         DestinationKind
	Node         NodeID
	SafetyPref   bool
	PrivateRoute *PrivateRoute
	SafetyRoute  *SafetyRoute
}

// OperationKind distinguishes questions (expect an answer) from
// statements (fire-and-forget).
type OperationKind int

const (
	OperationQuestion OperationKind = iota
	OperationStatement
	OperationAnswer
)

// Operation is the decoded unit RPC dispatch works with, independent of
// its wire encoding (which lives at the envelope/body layer above this).
type Operation struct {
	OpID      OpID
	Kind      OperationKind
	RespondTo RespondTo
	Detail    any // operation-specific payload, opaque to the dispatcher
}

// ValidationContext carries the question a matching answer must be
// checked against (e.g. the subkey range an inspect-value question asked
// for), so the dispatcher can reject an answer that doesn't correspond.
type ValidationContext struct {
	Validate func(answerDetail any) error
}

// pendingQuestion is one in-flight question awaiting its answer.
type pendingQuestion struct {
	sentAt   time.Time
	validate func(any) error
	result   chan Operation
	fail     chan error
}

// InvalidMessageError is the dispatcher's reject for an answer that
// fails its paired question's validation context. It does not consume
// the question's slot: the caller is expected to keep waiting or to time
// out normally, and the peer is marked untrusted for the exchange.
type InvalidMessageError struct {
	OpID   OpID
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("rpc: invalid message for op %x: %s", uint64(e.OpID), e.Reason)
}

// Handler processes an inbound question or statement that didn't match
// a pending question, and optionally produces an answer (for questions).
type Handler func(ctx context.Context, op Operation, sender NodeID) (answer *Operation, err error)

// Sender is the narrow interface RPC dispatch uses to hand off a
// resolved destination to the network manager, avoiding a direct
// dependency cycle between the two.
type Sender interface {
	SendToFlow(flow Flow, body []byte) error
	SendRouteStatement(nextHop NodeID, blob []byte) error
	ResolveFlow(node NodeID) (Flow, bool)
}

// Dispatcher matches answers to questions by op id and invokes Handler
// for everything else. One Dispatcher serves one network manager.
type Dispatcher struct {
	mu        sync.Mutex
	pending   map[OpID]*pendingQuestion
	completed *lru.Cache[OpID, struct{}]
	handler   Handler
	rt        *RoutingTable
	penalize  func(NodeID)
}

// completedQuestionCacheSize bounds how many recently-completed op ids
// the dispatcher remembers for replay rejection; it need not survive a
// restart, so an LRU rather than a TTL structure is enough.
const completedQuestionCacheSize = 4096

// NewDispatcher builds a dispatcher over rt (used to resolve direct
// destinations to dial info) with handler serving unmatched inbound
// operations. penalize is called with the sender id of any peer caught
// sending an unmatched answer or a failed-validation answer; it may be
// nil.
func NewDispatcher(rt *RoutingTable, handler Handler, penalize func(NodeID)) *Dispatcher {
	completed, err := lru.New[OpID, struct{}](completedQuestionCacheSize)
	if err != nil {
		panic(err)
	}
	return &Dispatcher{
		pending:   make(map[OpID]*pendingQuestion),
		completed: completed,
		handler:   handler,
		rt:        rt,
		penalize:  penalize,
	}
}

// Ask registers op (a question) as pending and blocks until the answer
// arrives, a failure is reported for it, or ctx ends, returning the
// answer or that error. vctx, if
// non-nil, validates the answer's Detail before it is delivered; a
// validation failure does not consume the slot, so the caller may
// continue waiting for a better answer or let the context expire.
func (d *Dispatcher) Ask(ctx context.Context, op Operation, vctx *ValidationContext) (Operation, error) {
	if op.Kind != OperationQuestion {
		return Operation{}, fmt.Errorf("core: rpc: Ask called with a non-question operation")
	}
	pq := &pendingQuestion{
		sentAt: time.Now(),
		result: make(chan Operation, 1),
		fail:   make(chan error, 1),
	}
	if vctx != nil {
		pq.validate = vctx.Validate
	}

	d.mu.Lock()
	d.pending[op.OpID] = pq
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, op.OpID)
		d.completed.Add(op.OpID, struct{}{})
		d.mu.Unlock()
	}()

	select {
	case ans := <-pq.result:
		return ans, nil
	case err := <-pq.fail:
		return Operation{}, err
	case <-ctx.Done():
		return Operation{}, ctx.Err()
	}
}

// Deliver hands a decoded operation, arriving from sender, to the
// dispatcher: an answer is matched against its pending question (and
// validated, if the question carried a validation context); anything
// else is routed to the handler. A duplicate answer for an already-
// completed question (the envelope-replay case) is rejected here rather
// than at the envelope layer, by design, and is never handed to the
// handler.
func (d *Dispatcher) Deliver(ctx context.Context, op Operation, sender NodeID) (*Operation, error) {
	d.mu.Lock()
	pq, isAnswerSlot := d.pending[op.OpID]
	_, alreadyCompleted := d.completed.Get(op.OpID)
	d.mu.Unlock()

	if op.Kind == OperationAnswer && alreadyCompleted {
		return nil, fmt.Errorf("core: rpc: replayed answer for completed op %x", uint64(op.OpID))
	}

	if isAnswerSlot {
		if pq.validate != nil {
			if err := pq.validate(op.Detail); err != nil {
				if d.penalize != nil {
					d.penalize(sender)
				}
				// Slot is not consumed: a future, valid answer for the
				// same op id may still arrive and complete it.
				return nil, &InvalidMessageError{OpID: op.OpID, Reason: err.Error()}
			}
		}
		select {
		case pq.result <- op:
		default:
			// Already completed by a racing delivery; drop silently.
		}
		return nil, nil
	}

	if op.Kind != OperationQuestion && op.Kind != OperationStatement {
		if d.penalize != nil {
			d.penalize(sender)
		}
		return nil, fmt.Errorf("core: rpc: unmatched answer for unknown op %x", uint64(op.OpID))
	}

	if d.handler == nil {
		return nil, nil
	}
	return d.handler(ctx, op, sender)
}

// ResolvedDestination is what ResolveDestination turns dest into: either
// a flow to reuse/dial, or a route statement targeting the first hop;
// handing off to send is the
// caller's (network manager's) job either way.
type ResolvedDestination struct {
	ViaFlow          bool
	Flow             Flow
	ViaRouteFirstHop bool
	FirstHop         NodeID
	RouteBlob        []byte
}

// ResolveDestination maps dest to a concrete send plan. A direct
// destination with a safety preference still resolves to a flow here:
// honoring SafetyPref by substituting a safety route is the caller's
// policy choice made before constructing dest, not this method's.
func (d *Dispatcher) ResolveDestination(sender Sender, dest Destination) (ResolvedDestination, error) {
	switch dest.Kind {
	case DestinationDirect:
		if flow, ok := sender.ResolveFlow(dest.Node); ok {
			return ResolvedDestination{ViaFlow: true, Flow: flow}, nil
		}
		return ResolvedDestination{}, fmt.Errorf("core: rpc: no flow or dial info resolvable for %s", dest.Node)
	case DestinationPrivateRoute:
		if dest.PrivateRoute == nil {
			return ResolvedDestination{}, fmt.Errorf("core: rpc: private route destination missing route")
		}
		return ResolvedDestination{
			ViaRouteFirstHop: true,
			FirstHop:         dest.PrivateRoute.FirstHop,
			RouteBlob:        dest.PrivateRoute.Blob,
		}, nil
	case DestinationSafetyRoute:
		if dest.SafetyRoute == nil {
			return ResolvedDestination{}, fmt.Errorf("core: rpc: safety route destination missing route")
		}
		return ResolvedDestination{
			ViaRouteFirstHop: true,
			FirstHop:         dest.SafetyRoute.FirstHop,
			RouteBlob:        dest.SafetyRoute.Blob,
		}, nil
	default:
		return ResolvedDestination{}, fmt.Errorf("core: rpc: unknown destination kind %d", dest.Kind)
	}
}

// Send resolves dest and hands the operation body off to sender, either
// through a flow or as a route statement to the first hop.
func (d *Dispatcher) Send(sender Sender, dest Destination, body []byte) error {
	resolved, err := d.ResolveDestination(sender, dest)
	if err != nil {
		return err
	}
	if resolved.ViaFlow {
		return sender.SendToFlow(resolved.Flow, body)
	}
	return sender.SendRouteStatement(resolved.FirstHop, resolved.RouteBlob)
}

// PendingCount reports the in-flight question table size, exposed for
// the /metrics surface.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
