/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-17
 *
 * Stats - 信令与协商计数
 */
package mesh

import (
	"encoding/json"
	"sync/atomic"
)

// Stats counts dispatch outcomes. All counters are atomic.
type Stats struct {
	SignalsReceived   atomic.Uint64
	SignalsFiltered   atomic.Uint64
	SignalsDropped    atomic.Uint64
	SignalsSent       atomic.Uint64
	SendFailures      atomic.Uint64
	OffersSent        atomic.Uint64
	AnswersSent       atomic.Uint64
	UnexpectedAnswers atomic.Uint64
	GlareIgnored      atomic.Uint64
	GlareRolledBack   atomic.Uint64
	CandidatesQueued  atomic.Uint64
	CandidatesFlushed atomic.Uint64
	CandidatesFailed  atomic.Uint64
	CandidatesUnknown atomic.Uint64
	NegotiationFails  atomic.Uint64
	AnswerTimeouts    atomic.Uint64
	StaleOffers       atomic.Uint64
	SessionsEvicted   atomic.Uint64
}

// StatsSnapshot is a plain copy of Stats
type StatsSnapshot struct {
	SignalsReceived   uint64 `json:"signals_received"`
	SignalsFiltered   uint64 `json:"signals_filtered"`
	SignalsDropped    uint64 `json:"signals_dropped"`
	SignalsSent       uint64 `json:"signals_sent"`
	SendFailures      uint64 `json:"send_failures"`
	OffersSent        uint64 `json:"offers_sent"`
	AnswersSent       uint64 `json:"answers_sent"`
	UnexpectedAnswers uint64 `json:"unexpected_answers"`
	GlareIgnored      uint64 `json:"glare_ignored"`
	GlareRolledBack   uint64 `json:"glare_rolled_back"`
	CandidatesQueued  uint64 `json:"candidates_queued"`
	CandidatesFlushed uint64 `json:"candidates_flushed"`
	CandidatesFailed  uint64 `json:"candidates_failed"`
	CandidatesUnknown uint64 `json:"candidates_unknown"`
	NegotiationFails  uint64 `json:"negotiation_failures"`
	AnswerTimeouts    uint64 `json:"answer_timeouts"`
	StaleOffers       uint64 `json:"stale_offers"`
	SessionsEvicted   uint64 `json:"sessions_evicted"`
}

// Snapshot copies the counters
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		SignalsReceived:   s.SignalsReceived.Load(),
		SignalsFiltered:   s.SignalsFiltered.Load(),
		SignalsDropped:    s.SignalsDropped.Load(),
		SignalsSent:       s.SignalsSent.Load(),
		SendFailures:      s.SendFailures.Load(),
		OffersSent:        s.OffersSent.Load(),
		AnswersSent:       s.AnswersSent.Load(),
		UnexpectedAnswers: s.UnexpectedAnswers.Load(),
		GlareIgnored:      s.GlareIgnored.Load(),
		GlareRolledBack:   s.GlareRolledBack.Load(),
		CandidatesQueued:  s.CandidatesQueued.Load(),
		CandidatesFlushed: s.CandidatesFlushed.Load(),
		CandidatesFailed:  s.CandidatesFailed.Load(),
		CandidatesUnknown: s.CandidatesUnknown.Load(),
		NegotiationFails:  s.NegotiationFails.Load(),
		AnswerTimeouts:    s.AnswerTimeouts.Load(),
		StaleOffers:       s.StaleOffers.Load(),
		SessionsEvicted:   s.SessionsEvicted.Load(),
	}
}

// ToJSON 序列化为 JSON
func (s StatsSnapshot) ToJSON() string {
	data, _ := json.Marshal(s)
	return string(data)
}
