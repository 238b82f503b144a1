package session

import "sync"

// DefaultBufferCap is how many characters of output a session retains for the
// persisted log. Live streaming is unaffected; this only bounds what ends up
// in the registry record.
const DefaultBufferCap = 1000

// Buffer is an append-only text buffer that drops its oldest characters once
// the cap is reached.
type Buffer struct {
	mu   sync.Mutex
	cap  int
	data []rune
}

// NewBuffer creates a buffer capped at n characters. n <= 0 uses
// DefaultBufferCap.
func NewBuffer(n int) *Buffer {
	if n <= 0 {
		n = DefaultBufferCap
	}
	return &Buffer{cap: n}
}

// Append adds text, evicting from the front to stay within the cap.
func (b *Buffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, []rune(text)...)
	if len(b.data) > b.cap {
		b.data = b.data[len(b.data)-b.cap:]
	}
}

// String returns the retained text.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Len returns the retained character count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
