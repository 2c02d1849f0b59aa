package supervisor

import "bytes"

// LineFramer re-frames an arbitrary byte stream into lines. Process pipes
// deliver chunks that rarely align with line boundaries; the framer
// accumulates partial chunks, emits one callback per complete line (without
// the terminator), and Flush emits any trailing partial line at stream end.
//
// LineFramer implements io.Writer so a pipe can be drained with io.Copy.
type LineFramer struct {
	emit func(line string)
	buf  bytes.Buffer
}

// NewLineFramer creates a framer that invokes emit for every complete line.
func NewLineFramer(emit func(line string)) *LineFramer {
	return &LineFramer{emit: emit}
}

// Write accumulates p and emits any complete lines it closes. Always
// succeeds.
func (f *LineFramer) Write(p []byte) (int, error) {
	f.buf.Write(p)

	for {
		data := f.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		// Tolerate CRLF output from cross-platform workers.
		line = bytes.TrimSuffix(line, []byte{'\r'})
		f.emit(string(line))
		f.buf.Next(idx + 1)
	}
	return len(p), nil
}

// Flush emits the trailing partial line, if any. Called once when the
// process's stream ends.
func (f *LineFramer) Flush() {
	if f.buf.Len() == 0 {
		return
	}
	line := bytes.TrimSuffix(f.buf.Bytes(), []byte{'\r'})
	f.emit(string(line))
	f.buf.Reset()
}
