package pipeline

import (
	"image"
	"sync/atomic"

	"github.com/LdDl/streamtrack/stream"
)

// FeedSource is a FrameSource fed by an external producer (uploaded video decoder, browser webcam, tests).
// Only the newest pushed frame is kept.
type FeedSource struct {
	buffer *LatestBuffer[*stream.Frame]
	seq    atomic.Uint64
}

// NewFeedSource creates empty feed
func NewFeedSource() *FeedSource {
	return &FeedSource{
		buffer: NewLatestBuffer[*stream.Frame](),
	}
}

// Push stores a private copy of img. Returns true if an unread frame was replaced.
// Nil images are ignored.
func (f *FeedSource) Push(img image.Image) bool {
	if img == nil {
		return false
	}
	if rgba, ok := img.(*image.RGBA); ok && rgba == nil {
		return false
	}
	return f.buffer.Publish(stream.NewFrame(f.seq.Add(1), img))
}

// Read implements FrameSource. Every pushed frame is handed out at most once.
func (f *FeedSource) Read() (*stream.Frame, bool) {
	return f.buffer.TryTake()
}

// Stats returns counters of the underlying buffer
func (f *FeedSource) Stats() LatestBufferStats {
	return f.buffer.Stats()
}
