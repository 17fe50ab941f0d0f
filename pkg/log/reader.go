package log

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Stdin is the path Open treats as standard input.
const Stdin = "-"

// Filter selects events. Zero-valued fields match everything.
type Filter struct {
	ConnectionID string
	DeviceID     string
	ChannelID    string

	Direction *Direction
	Layer     *Layer
	Category  *Category

	// FrameType is a message type name such as "DATA". Events without a
	// frame never match a non-empty FrameType.
	FrameType string

	// Events in [TimeStart, TimeEnd) match.
	TimeStart *time.Time
	TimeEnd   *time.Time
}

// Match reports whether e satisfies every criterion of f.
func (f Filter) Match(e Event) bool {
	switch {
	case f.ConnectionID != "" && f.ConnectionID != e.ConnectionID,
		f.DeviceID != "" && f.DeviceID != e.DeviceID,
		f.ChannelID != "" && f.ChannelID != e.ChannelID:
		return false
	case f.Direction != nil && *f.Direction != e.Direction,
		f.Layer != nil && *f.Layer != e.Layer,
		f.Category != nil && *f.Category != e.Category:
		return false
	case f.TimeStart != nil && e.Timestamp.Before(*f.TimeStart),
		f.TimeEnd != nil && !e.Timestamp.Before(*f.TimeEnd):
		return false
	}
	return f.FrameType == "" || (e.Frame != nil && e.Frame.Type == f.FrameType)
}

// Reader streams events from a capture.
//
// A capture that is still being written may end in a partial event. Next
// reports that as io.EOF and Truncated returns true afterwards.
type Reader struct {
	dec       *cbor.Decoder
	closer    io.Closer
	filter    Filter
	truncated bool
}

// NewReader reads events matching filter from r.
func NewReader(r io.Reader, filter Filter) *Reader {
	rd := &Reader{dec: NewDecoder(r), filter: filter}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	return rd
}

// Open reads events matching filter from the capture file at path, or from
// standard input when path is Stdin.
func Open(path string, filter Filter) (*Reader, error) {
	if path == Stdin {
		return NewReader(io.NopCloser(os.Stdin), filter), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewReader(f, filter), nil
}

// Next returns the next matching event, or io.EOF at the end of the capture.
func (r *Reader) Next() (Event, error) {
	for {
		var e Event
		err := r.dec.Decode(&e)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			r.truncated = true
			return Event{}, io.EOF
		}
		if err != nil {
			return Event{}, err
		}
		if r.filter.Match(e) {
			return e, nil
		}
	}
}

// Truncated reports whether the capture ended inside an event.
func (r *Reader) Truncated() bool {
	return r.truncated
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
