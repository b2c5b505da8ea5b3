package httpx

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

// ErrPeerReset marks an abrupt disconnect on a transport leg.
var ErrPeerReset = errors.New("peer reset")

// Outcome tags why a socket operation stopped.
type Outcome int

const (
	// OutcomeClosed is an orderly close from either side, including our own Close.
	OutcomeClosed Outcome = iota
	// OutcomePeerReset is an abrupt disconnect: EOF without close frame, ECONNRESET,
	// EPIPE or a peer that stopped answering within its deadline.
	OutcomePeerReset
	// OutcomeFailed is anything else, such as a protocol violation or local error.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClosed:
		return "closed"
	case OutcomePeerReset:
		return "peer_reset"
	default:
		return "failed"
	}
}

// Classify maps an error returned by a websocket or net.Conn operation onto an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeClosed
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return OutcomeClosed
	case errors.Is(err, net.ErrClosed), errors.Is(err, websocket.ErrCloseSent):
		return OutcomeClosed
	case errors.Is(err, ErrPeerReset),
		websocket.IsCloseError(err, websocket.CloseAbnormalClosure),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return OutcomePeerReset
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return OutcomeClosed
	}
	// A missed read deadline means the peer went silent: a half-open connection.
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return OutcomePeerReset
	}
	return OutcomeFailed
}
