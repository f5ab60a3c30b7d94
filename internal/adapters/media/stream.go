// Package media is the capture and playback boundary of a call: local
// streams handed to the connectivity object and remote tracks pumped to sinks.
package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Stream is a captured local stream. It satisfies call.Stream and rtc.TrackSource.
type Stream struct {
	tracks []webrtc.TrackLocal
	stop   func()
	once   sync.Once
}

// NewStream wraps tracks; stop releases the capture devices.
func NewStream(tracks []webrtc.TrackLocal, stop func()) *Stream {
	return &Stream{tracks: tracks, stop: stop}
}

func (s *Stream) LocalTracks() []webrtc.TrackLocal { return s.tracks }

// Stop stops every track. Further calls are no-ops.
func (s *Stream) Stop() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}
