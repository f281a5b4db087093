package transfer

import "context"

// DataRequester drives the generation side asynchronously: announce the
// request, then collect and scatter the chunks on a per-request goroutine.
type DataRequester struct {
	receiver DataReceiver
}

func NewDataRequester(receiver DataReceiver) *DataRequester {
	return &DataRequester{receiver: receiver}
}

// RequestAndReceiveAsync starts the pull for one request and returns a
// future resolving when its blocks are filled. The request's blocks must
// be reserved before the call; peers start pushing as soon as the
// announcement lands.
func (r *DataRequester) RequestAndReceiveAsync(req *Request) *Future {
	fut := newFuture()
	go func() {
		ctx := context.Background()
		sess, err := r.receiver.SendRequestInfo(ctx, req)
		if err == nil {
			err = r.receiver.ReceiveSync(ctx, sess)
		}
		fut.complete(err)
	}()
	return fut
}
