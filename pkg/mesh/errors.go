/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-17
 */
package mesh

import (
	"errors"
	"fmt"

	"github.com/maiguangyang/roomcast/pkg/media"
)

var (
	// ErrNotJoined indicates the room has not been joined yet
	ErrNotJoined = errors.New("room not joined")

	// ErrControllerClosed indicates Leave has been called
	ErrControllerClosed = errors.New("controller is closed")

	// ErrSessionClosed indicates an operation was scheduled on a closed session
	ErrSessionClosed = errors.New("session is closed")

	// ErrAnswerTimeout indicates the remote peer never answered our offer
	ErrAnswerTimeout = errors.New("answer timeout")

	// ErrUnexpectedAnswer indicates an ANSWER arrived for a session that
	// was not waiting for one
	ErrUnexpectedAnswer = errors.New("unexpected answer")

	// ErrUnknownPeer indicates a signal referenced a peer without a session
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrMediaUnavailable is media.ErrMediaUnavailable, re-exported
	ErrMediaUnavailable = media.ErrMediaUnavailable
)

// TransportError wraps a signaling channel failure
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NegotiationError wraps a failed offer/answer step for one peer
type NegotiationError struct {
	Op     string
	PeerID string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s: %s: %v", e.PeerID, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// CandidateError wraps a rejected remote ICE candidate. The session
// survives it.
type CandidateError struct {
	PeerID string
	Err    error
}

func (e *CandidateError) Error() string {
	return fmt.Sprintf("candidate from %s: %v", e.PeerID, e.Err)
}

func (e *CandidateError) Unwrap() error { return e.Err }

// MediaAcquisitionError wraps a capture failure.
// errors.Is(err, ErrMediaUnavailable) always holds for it.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string {
	if e.Err == nil {
		return ErrMediaUnavailable.Error()
	}
	return fmt.Sprintf("%v: %v", ErrMediaUnavailable, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

func (e *MediaAcquisitionError) Is(target error) bool {
	return target == ErrMediaUnavailable
}
