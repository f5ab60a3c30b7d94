package media

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

// StatsSink counts what a remote track delivered.
type StatsSink struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
	lastSeq atomic.Uint32
}

func (s *StatsSink) WriteRTP(p *rtp.Packet) error {
	s.packets.Add(1)
	s.bytes.Add(uint64(len(p.Payload)))
	s.lastSeq.Store(uint32(p.SequenceNumber))
	return nil
}

func (s *StatsSink) Packets() uint64 { return s.packets.Load() }
func (s *StatsSink) Bytes() uint64   { return s.bytes.Load() }
