/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 */
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SignalType represents the type of signaling message
type SignalType string

const (
	// SignalJoin announces a participant; the broker answers with the full peer set
	SignalJoin SignalType = "JOIN"
	// SignalLeave announces a departure; the broker answers with the full peer set
	SignalLeave SignalType = "LEAVE"
	// SignalOffer is an SDP offer addressed to one receiver
	SignalOffer SignalType = "OFFER"
	// SignalAnswer is an SDP answer addressed to one receiver
	SignalAnswer SignalType = "ANSWER"
	// SignalCandidate is a trickled ICE candidate addressed to one receiver
	SignalCandidate SignalType = "CANDIDATE"
	// SignalStartStream announces a broadcaster; carries the full streamer set
	SignalStartStream SignalType = "STARTSTREAM"
	// SignalStopStream withdraws a broadcaster; carries the full streamer set
	SignalStopStream SignalType = "STOPSTREAM"
)

// Valid reports whether t is a known signal type
func (t SignalType) Valid() bool {
	switch t {
	case SignalJoin, SignalLeave, SignalOffer, SignalAnswer,
		SignalCandidate, SignalStartStream, SignalStopStream:
		return true
	}
	return false
}

// IsNegotiation reports whether t belongs to a peer negotiation
func (t SignalType) IsNegotiation() bool {
	return t == SignalOffer || t == SignalAnswer || t == SignalCandidate
}

var (
	// ErrMalformedSignal is returned by Decode for payloads that cannot be a Signal
	ErrMalformedSignal = errors.New("malformed signal")
)

// SessionDescription represents an SDP offer or answer
type SessionDescription struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// CandidateMessage represents an ICE candidate
type CandidateMessage struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Signal is the wire message exchanged on a room topic
type Signal struct {
	Type      SignalType          `json:"type"`
	Sender    string              `json:"sender"`
	Receiver  string              `json:"receiver,omitempty"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *CandidateMessage   `json:"candidate,omitempty"`
	Peers     []string            `json:"peers,omitempty"`
	Streamers []string            `json:"streamers,omitempty"`
}

// AddressedTo reports whether the signal concerns the participant self.
// Signals without a receiver are broadcasts.
func (s *Signal) AddressedTo(self string) bool {
	return s.Receiver == "" || s.Receiver == self
}

// String returns a compact description for logs
func (s *Signal) String() string {
	if s.Receiver != "" {
		return fmt.Sprintf("%s %s->%s", s.Type, s.Sender, s.Receiver)
	}
	return fmt.Sprintf("%s %s", s.Type, s.Sender)
}

// wireSignal mirrors Signal with the legacy "users" alias
type wireSignal struct {
	Type      SignalType          `json:"type"`
	Sender    string              `json:"sender"`
	Receiver  string              `json:"receiver,omitempty"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *CandidateMessage   `json:"candidate,omitempty"`
	Peers     *[]string           `json:"peers"`
	Users     *[]string           `json:"users"`
	Streamers *[]string           `json:"streamers"`
}

// MarshalJSON keeps an explicitly empty peer or streamer set on the wire,
// since "[]" and an absent field mean different things to RoomState.
func (s Signal) MarshalJSON() ([]byte, error) {
	w := struct {
		Type      SignalType          `json:"type"`
		Sender    string              `json:"sender"`
		Receiver  string              `json:"receiver,omitempty"`
		SDP       *SessionDescription `json:"sdp,omitempty"`
		Candidate *CandidateMessage   `json:"candidate,omitempty"`
		Peers     *[]string           `json:"peers,omitempty"`
		Streamers *[]string           `json:"streamers,omitempty"`
	}{
		Type:      s.Type,
		Sender:    s.Sender,
		Receiver:  s.Receiver,
		SDP:       s.SDP,
		Candidate: s.Candidate,
	}
	if s.Peers != nil {
		w.Peers = &s.Peers
	}
	if s.Streamers != nil {
		w.Streamers = &s.Streamers
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts "users" as an alias of "peers"
func (s *Signal) UnmarshalJSON(data []byte) error {
	var w wireSignal
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Signal{
		Type:      w.Type,
		Sender:    w.Sender,
		Receiver:  w.Receiver,
		SDP:       w.SDP,
		Candidate: w.Candidate,
	}
	switch {
	case w.Peers != nil:
		s.Peers = nonNil(*w.Peers)
	case w.Users != nil:
		s.Peers = nonNil(*w.Users)
	}
	if w.Streamers != nil {
		s.Streamers = nonNil(*w.Streamers)
	}
	return nil
}

// nonNil turns a decoded "[]" into an empty, non-nil slice
func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// Encode serializes a signal to its JSON payload
func Encode(s *Signal) ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses a JSON payload. Unknown fields are ignored; a payload without
// a known type or a sender is rejected with ErrMalformedSignal.
func Decode(payload []byte) (*Signal, error) {
	var s Signal
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	if !s.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedSignal, s.Type)
	}
	if s.Sender == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformedSignal)
	}
	return &s, nil
}

// RoomTopic returns the topic a room's signals are broadcast on
func RoomTopic(roomID string) string {
	return "/topic/rooms/" + roomID
}

// RoomDestination returns the destination signals for a room are sent to
func RoomDestination(roomID string) string {
	return "/app/signal/" + roomID
}
