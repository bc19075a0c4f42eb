// Package velocity derives counterparty statistics for a transaction batch.
// Every statistic is computed from the batch alone, never from history.
package velocity

import (
	"sort"
	"time"

	"github.com/opensource-finance/chainguard/internal/domain"
)

// Window is the trailing window used for sender_tx_last_hour.
const Window = time.Hour

type party struct {
	txCount  int64
	sum      float64
	incoming int64
	times    []time.Time // outgoing timestamps, sorted
}

// Stats holds per-address aggregates over one batch. It is read-only once built.
type Stats struct {
	parties map[string]*party
}

// BuildStats aggregates the batch. Addresses are compared in normalized form.
func BuildStats(txs []*domain.Transaction) *Stats {
	s := &Stats{parties: make(map[string]*party)}

	for _, tx := range txs {
		sender := s.party(tx.Sender)
		sender.txCount++
		sender.sum += tx.Amount
		sender.times = append(sender.times, tx.Timestamp)

		s.party(tx.Receiver).incoming++
	}

	for _, p := range s.parties {
		sort.Slice(p.times, func(i, j int) bool { return p.times[i].Before(p.times[j]) })
	}

	return s
}

func (s *Stats) party(addr string) *party {
	key, _ := NormalizeAddress(addr)
	p, ok := s.parties[key]
	if !ok {
		p = &party{}
		s.parties[key] = p
	}
	return p
}

func (s *Stats) lookup(addr string) (*party, string) {
	key, chain := NormalizeAddress(addr)
	if p, ok := s.parties[key]; ok {
		return p, chain
	}
	return &party{}, chain
}

// Context returns the evaluation context of one transaction of the batch.
func (s *Stats) Context(tx *domain.Transaction) *domain.EvalContext {
	sender, senderChain := s.lookup(tx.Sender)
	receiver, receiverChain := s.lookup(tx.Receiver)

	ec := &domain.EvalContext{
		SenderTxCount:         sender.txCount,
		SenderTxLastHour:      countWindow(sender.times, tx.Timestamp, Window),
		SenderIncomingCount:   sender.incoming,
		ReceiverIncomingCount: receiver.incoming,
		SenderChain:           senderChain,
		ReceiverChain:         receiverChain,
		Attributes:            TypeAttributes(tx.Attributes),
	}
	if sender.txCount > 0 {
		ec.SenderAvgAmount = sender.sum / float64(sender.txCount)
	}
	return ec
}

// Addresses returns the number of distinct normalized addresses seen.
func (s *Stats) Addresses() int {
	return len(s.parties)
}

// countWindow counts sorted times within [at-window, at].
func countWindow(times []time.Time, at time.Time, window time.Duration) int64 {
	from := at.Add(-window)
	lo := sort.Search(len(times), func(i int) bool { return !times[i].Before(from) })
	hi := sort.Search(len(times), func(i int) bool { return times[i].After(at) })
	if hi < lo {
		return 0
	}
	return int64(hi - lo)
}
