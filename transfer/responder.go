package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kvbridge/kvbridge/kvstate"
)

type pendingResponse struct {
	req *Request
	fut *Future
}

// DataResponder drives the context side asynchronously. A single loop
// goroutine drains incoming RequestInfo messages; once every counterpart
// of a request has announced itself the transfer runs on its own
// goroutine, so one slow peer never stalls the others.
//
// RequestInfo may arrive before the scheduler registers the request; the
// sender's session keeps it, so the transfer dispatches on registration.
// An info that never gets a registration is logged and sits in its session
// until Close.
type DataResponder struct {
	sender DataSender

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[uint64]*pendingResponse
}

func NewDataResponder(sender DataSender) *DataResponder {
	ctx, cancel := context.WithCancel(context.Background())
	r := &DataResponder{
		sender:  sender,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]*pendingResponse),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// RespondAndSendAsync registers a finished context-phase request and
// returns a future resolving when its blocks reached every counterpart.
func (r *DataResponder) RespondAndSendAsync(req *Request) *Future {
	fut := newFuture()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[req.ID]; ok {
		fut.complete(fmt.Errorf("%w: request %d already registered", kvstate.ErrProtocolDesync, req.ID))
		return fut
	}
	r.pending[req.ID] = &pendingResponse{req: req, fut: fut}

	// Infos may already have arrived before registration.
	r.maybeDispatchLocked(req.ID)
	return fut
}

func (r *DataResponder) loop() {
	defer r.wg.Done()

	for {
		info, err := r.sender.RecvRequestInfo(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			slog.Error("receiving request info", "error", err)
			continue
		}

		r.mu.Lock()
		if _, ok := r.pending[info.RequestID]; !ok {
			slog.Warn("request info for unregistered request, holding", "requestID", info.RequestID)
		}
		r.maybeDispatchLocked(info.RequestID)
		r.mu.Unlock()
	}
}

// maybeDispatchLocked starts the transfer once the request is registered
// and every counterpart has announced itself. The sender keeps the arrival
// count, so infos arriving before registration are not lost.
func (r *DataResponder) maybeDispatchLocked(requestID uint64) {
	p, ok := r.pending[requestID]
	if !ok {
		return
	}

	counterparts, err := r.sender.CounterpartsCount(requestID)
	if err != nil || r.sender.ReceivedCount(requestID) < counterparts {
		return
	}

	delete(r.pending, requestID)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.sender.SendSync(r.ctx, p.req)
		r.sender.Release(p.req.ID)
		p.fut.complete(err)
	}()
}

// Close stops the loop and fails every unresolved future.
func (r *DataResponder) Close() {
	r.cancel()

	r.mu.Lock()
	for id, p := range r.pending {
		delete(r.pending, id)
		p.fut.complete(fmt.Errorf("%w: responder closed", kvstate.ErrTransport))
	}
	r.mu.Unlock()

	r.wg.Wait()
}
