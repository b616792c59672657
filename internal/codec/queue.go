package codec

import "errors"

// maxQueued bounds the outputs a queueBackend holds before Send pushes back.
const maxQueued = 8

var errSendAfterEOF = errors.New("send after end of input")

// queueBackend adapts a per-input transform to the send/receive contract.
// convert may return any number of outputs for one input; finish returns
// whatever is still buffered at end of input.
type queueBackend[In, Out any] struct {
	convert func(In) ([]Out, error)
	finish  func() ([]Out, error)

	out []Out
	eof bool
}

func (q *queueBackend[In, Out]) Send(in In) error {
	if q.eof {
		return errSendAfterEOF
	}
	if len(q.out) >= maxQueued {
		return ErrAgain
	}
	outs, err := q.convert(in)
	if err != nil {
		return err
	}
	q.out = append(q.out, outs...)
	return nil
}

func (q *queueBackend[In, Out]) SendEOF() error {
	if q.eof {
		return nil
	}
	q.eof = true
	if q.finish == nil {
		return nil
	}
	outs, err := q.finish()
	q.out = append(q.out, outs...)
	return err
}

func (q *queueBackend[In, Out]) Receive() (Out, error) {
	if len(q.out) > 0 {
		o := q.out[0]
		var zero Out
		q.out[0] = zero
		q.out = q.out[1:]
		return o, nil
	}
	var zero Out
	if q.eof {
		return zero, ErrEOF
	}
	return zero, ErrAgain
}

func (q *queueBackend[In, Out]) Close() error {
	q.out = nil
	return nil
}
