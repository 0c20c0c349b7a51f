package interp

// Console is a fixed-size ring buffer for guest print output. It prevents
// memory exhaustion from guests that print in a tight loop: when full, the
// oldest output is overwritten. The machine is single-threaded, so no
// locking is needed.
type Console struct {
	buf  []byte
	size int
	head int
	tail int
	full bool
}

// NewConsole creates a console capturing at most size bytes.
func NewConsole(size int) *Console {
	if size <= 0 {
		size = 32 * 1024
	}
	return &Console{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write implements io.Writer. When the buffer is full, it overwrites the
// oldest bytes.
func (c *Console) Write(p []byte) (int, error) {
	for _, b := range p {
		if c.full {
			c.tail = (c.tail + 1) % c.size
		}
		c.buf[c.head] = b
		c.head = (c.head + 1) % c.size
		if c.head == c.tail {
			c.full = true
		}
	}
	return len(p), nil
}

// Len returns the number of captured bytes.
func (c *Console) Len() int {
	if c.full {
		return c.size
	}
	if c.head >= c.tail {
		return c.head - c.tail
	}
	return c.size - c.tail + c.head
}

// String returns the captured output, oldest first.
func (c *Console) String() string {
	n := c.Len()
	if n == 0 {
		return ""
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = c.buf[(c.tail+i)%c.size]
	}
	return string(out)
}
