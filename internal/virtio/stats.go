package virtio

import (
	"github.com/rcrowley/go-metrics"
)

// ringStats holds the per-ring fault counters. Malformed guest input is
// never fatal; it lands in exactly one of these and the offending chain is
// abandoned.
type ringStats struct {
	ndescTooHigh metrics.Counter
	badIdx       metrics.Counter
	indirBadLen  metrics.Counter
	indirBadNest metrics.Counter
	indirBadNext metrics.Counter
	descBadLen   metrics.Counter
	badRingAddr  metrics.Counter
	tooManyDesc  metrics.Counter
	noSpace      metrics.Counter

	failHcksum      metrics.Counter
	failHcksum6     metrics.Counter
	failHcksumProto metrics.Counter

	badRxFrame      metrics.Counter
	rxMergeOverrun  metrics.Counter
	rxMergeUnderrun metrics.Counter
	rxPadShort      metrics.Counter
	rxMcastCheck    metrics.Counter
	tooShort        metrics.Counter
	txAbsent        metrics.Counter
	txDrop          metrics.Counter

	rxHookDrop metrics.Counter
	txHookDrop metrics.Counter
}

func newRingStats(reg metrics.Registry, prefix string) *ringStats {
	c := func(name string) metrics.Counter {
		return metrics.GetOrRegisterCounter(prefix+"."+name, reg)
	}
	return &ringStats{
		ndescTooHigh: c("ndesc_too_high"),
		badIdx:       c("bad_idx"),
		indirBadLen:  c("indir_bad_len"),
		indirBadNest: c("indir_bad_nest"),
		indirBadNext: c("indir_bad_next"),
		descBadLen:   c("desc_bad_len"),
		badRingAddr:  c("bad_ring_addr"),
		tooManyDesc:  c("too_many_desc"),
		noSpace:      c("no_space"),

		failHcksum:      c("fail_hcksum"),
		failHcksum6:     c("fail_hcksum6"),
		failHcksumProto: c("fail_hcksum_proto"),

		badRxFrame:      c("bad_rx_frame"),
		rxMergeOverrun:  c("rx_merge_overrun"),
		rxMergeUnderrun: c("rx_merge_underrun"),
		rxPadShort:      c("rx_pad_short"),
		rxMcastCheck:    c("rx_mcast_check"),
		tooShort:        c("too_short"),
		txAbsent:        c("tx_absent"),
		txDrop:          c("tx_drop"),

		rxHookDrop: c("rx_hookdrop"),
		txHookDrop: c("tx_hookdrop"),
	}
}

// clear resets every counter. Run on each ring activation so the counters
// cover one activation cycle.
func (s *ringStats) clear() {
	for _, c := range []metrics.Counter{
		s.ndescTooHigh, s.badIdx, s.indirBadLen, s.indirBadNest,
		s.indirBadNext, s.descBadLen, s.badRingAddr, s.tooManyDesc,
		s.noSpace, s.failHcksum, s.failHcksum6, s.failHcksumProto,
		s.badRxFrame, s.rxMergeOverrun, s.rxMergeUnderrun, s.rxPadShort,
		s.rxMcastCheck, s.tooShort, s.txAbsent, s.txDrop,
		s.rxHookDrop, s.txHookDrop,
	} {
		c.Clear()
	}
}
