package mux

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// channelState tracks one multiplexed channel: its input buffer and both
// directions of flow-control credit.
//
// The registry owns states; streams keep a pointer to theirs so a handle
// remains usable after the state has been unlinked from the registry.
type channelState struct {
	id       uuid.UUID
	capacity int

	mu       sync.Mutex
	readable *sync.Cond
	writable *sync.Cond

	closed bool
	cause  error

	// Input buffer. Buffered bytes are buf[start:end].
	buf   []byte
	start int
	end   int

	// readCredit is what this side has authorized the peer to send and has
	// not yet received. writeCredit is what the peer has authorized us.
	readCredit  int
	writeCredit int

	// granted records that the initial read credit has been issued.
	granted bool
}

func newChannelState(id uuid.UUID, capacity int) *channelState {
	s := &channelState{
		id:       id,
		capacity: capacity,
		buf:      make([]byte, capacity),
	}
	s.readable = sync.NewCond(&s.mu)
	s.writable = sync.NewCond(&s.mu)
	return s
}

// close marks the channel closed and wakes every waiter. A nil cause is a
// graceful close: readers drain the buffer and then see io.EOF. Returns
// false if the channel was already closed.
func (s *channelState) close(cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.cause = cause
	s.readable.Broadcast()
	s.writable.Broadcast()
	return true
}

func (s *channelState) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// closedErr returns the error reported to callers of a closed channel.
// Must be called with s.mu held.
func (s *channelState) closedErr() error {
	if s.cause != nil {
		return s.cause
	}
	return fmt.Errorf("%w: %s", ErrChannelClosed, s.id)
}

// wait blocks on cond until ready reports true or ctx is done.
// Must be called with s.mu held.
func (s *channelState) wait(ctx context.Context, cond *sync.Cond, ready func() bool) error {
	if ready() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		cond.Broadcast()
	})
	defer stop()

	for !ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cond.Wait()
	}
	return nil
}

// deliver appends a Data payload received from the peer.
func (s *channelState) deliver(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if len(p) > s.readCredit {
		return fmt.Errorf("%w: data size %d exceeds read credit %d on channel %s",
			ErrProtocol, len(p), s.readCredit, s.id)
	}

	used := s.end - s.start
	if used+len(p) > s.capacity {
		return fmt.Errorf("%w: data size %d overflows buffer on channel %s",
			ErrProtocol, len(p), s.id)
	}

	// Compact when the tail cannot hold the payload.
	if len(p) > s.capacity-s.end {
		copy(s.buf, s.buf[s.start:s.end])
		s.start = 0
		s.end = used
	}

	copy(s.buf[s.end:], p)
	s.end += len(p)
	s.readCredit -= len(p)
	s.readable.Broadcast()
	return nil
}

// read copies buffered bytes into p, blocking until at least one byte is
// available, the channel closes, or ctx is done.
func (s *channelState) read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.wait(ctx, s.readable, func() bool {
		return s.end > s.start || s.closed
	})

	if s.end > s.start {
		n := copy(p, s.buf[s.start:s.end])
		s.start += n
		if s.start == s.end {
			s.start, s.end = 0, 0
		}
		return n, nil
	}
	if err != nil {
		return 0, err
	}
	if s.cause != nil {
		return 0, s.cause
	}
	return 0, io.EOF
}

// reserve blocks until write credit is available and takes up to limit bytes
// of it. Credit is taken before the frame is sent so concurrent writers on
// one channel can never overdraw it.
func (s *channelState) reserve(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.wait(ctx, s.writable, func() bool {
		return s.writeCredit > 0 || s.closed
	})
	if s.closed {
		return 0, s.closedErr()
	}
	if err != nil {
		return 0, err
	}

	n := min(limit, s.writeCredit)
	s.writeCredit -= n
	return n, nil
}

// grant adds peer-issued write credit and wakes writers.
func (s *channelState) grant(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.writeCredit += n
	s.writable.Broadcast()
}

// authorize records read credit this side is about to issue to the peer.
func (s *channelState) authorize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCredit += n
}

// authorizeInitial records the initial read credit grant. It returns false
// if the grant was already issued.
func (s *channelState) authorizeInitial(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.granted {
		return false
	}
	s.granted = true
	s.readCredit += n
	return true
}

// credits returns the current read and write credit.
func (s *channelState) credits() (read, write int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCredit, s.writeCredit
}

// buffered returns the number of unread bytes.
func (s *channelState) buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end - s.start
}
