package acquirer

import "bytes"

// lineFramer splits a byte stream into newline-terminated lines. A line that grows
// past max without a newline is reported once as an overflow and the rest of it,
// up to the next newline, is discarded.
type lineFramer struct {
	max        int
	buf        []byte
	discarding bool
}

func newLineFramer(max int) *lineFramer {
	return &lineFramer{max: max, buf: make([]byte, 0, max)}
}

// feed appends p and returns every completed line (without the newline) plus the
// number of lines dropped for exceeding max.
func (f *lineFramer) feed(p []byte) (lines [][]byte, overflows int) {
	f.buf = append(f.buf, p...)
	start := 0
	for {
		i := bytes.IndexByte(f.buf[start:], '\n')
		if i < 0 {
			break
		}
		end := start + i
		if f.discarding {
			f.discarding = false
		} else if end-start > f.max {
			overflows++
		} else {
			line := make([]byte, end-start)
			copy(line, f.buf[start:end])
			lines = append(lines, line)
		}
		start = end + 1
	}
	n := copy(f.buf, f.buf[start:])
	f.buf = f.buf[:n]

	if len(f.buf) > f.max {
		if !f.discarding {
			overflows++
		}
		f.discarding = true
		f.buf = f.buf[:0]
	}
	return lines, overflows
}

// reset drops any partial line, e.g. after the port is reopened.
func (f *lineFramer) reset() {
	f.buf = f.buf[:0]
	f.discarding = false
}
