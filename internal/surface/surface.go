// Package surface defines the boundary to the terminal-emulation component
// that draws the grid and raises input events. The coordinator never parses
// bytes; it only moves them to and from a Surface.
package surface

import "sync"

// Surface is one rendering target for a session (a websocket terminal, a
// raw local terminal, a test buffer). Implementations must be safe for
// concurrent use: the read loop feeds bytes from a background goroutine.
type Surface interface {
	// CurrentGridSize returns the grid dimensions, or ok=false when layout
	// has not produced a size yet.
	CurrentGridSize() (cols, rows int, ok bool)

	// FeedInboundBytes pushes inbound stream data for rendering.
	FeedInboundBytes(data []byte)

	// OnKeyboardInput registers the callback invoked when the user types.
	OnKeyboardInput(fn func(data []byte))

	// OnGridResize registers the callback invoked when layout changes the
	// grid size.
	OnGridResize(fn func(cols, rows int))

	// NotifyReady signals that the shell behind this surface is live.
	NotifyReady()

	// NotifyProcessExit signals that the remote shell ended.
	NotifyProcessExit()
}

// Buffered is a channel-backed Surface. The websocket handler and the tests
// consume Output(); slow consumers drop chunks rather than stall the read
// loop.
type Buffered struct {
	mu       sync.Mutex
	cols     int
	rows     int
	sized    bool
	onInput  func([]byte)
	onResize func(cols, rows int)

	out       chan []byte
	exited    chan struct{}
	ready     chan struct{}
	exitOnce  sync.Once
	readyOnce sync.Once
}

// NewBuffered creates a surface with the given output buffer depth.
func NewBuffered(depth int) *Buffered {
	if depth <= 0 {
		depth = 64
	}
	return &Buffered{
		out:    make(chan []byte, depth),
		exited: make(chan struct{}),
		ready:  make(chan struct{}),
	}
}

// Output is the stream of inbound chunks for the consumer drawing the grid.
func (s *Buffered) Output() <-chan []byte { return s.out }

// Exited is closed when the remote process ends.
func (s *Buffered) Exited() <-chan struct{} { return s.exited }

// Ready is closed once the shell is live.
func (s *Buffered) Ready() <-chan struct{} { return s.ready }

// SetGridSize records a layout-driven size change and fires the resize
// callback when the size actually changed.
func (s *Buffered) SetGridSize(cols, rows int) {
	s.mu.Lock()
	changed := !s.sized || cols != s.cols || rows != s.rows
	s.cols, s.rows = cols, rows
	s.sized = true
	onResize := s.onResize
	s.mu.Unlock()

	if changed && onResize != nil {
		onResize(cols, rows)
	}
}

// SubmitInput delivers user keystrokes to the registered input callback.
func (s *Buffered) SubmitInput(data []byte) {
	s.mu.Lock()
	onInput := s.onInput
	s.mu.Unlock()
	if onInput != nil {
		onInput(data)
	}
}

func (s *Buffered) CurrentGridSize() (int, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows, s.sized
}

func (s *Buffered) FeedInboundBytes(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	select {
	case s.out <- chunk:
	default:
		// Drop if the consumer is slow; the remote is authoritative and a
		// reattach refreshes the grid.
	}
}

func (s *Buffered) OnKeyboardInput(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInput = fn
}

func (s *Buffered) OnGridResize(fn func(cols, rows int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResize = fn
}

func (s *Buffered) NotifyReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Buffered) NotifyProcessExit() {
	s.exitOnce.Do(func() { close(s.exited) })
}

var _ Surface = (*Buffered)(nil)
