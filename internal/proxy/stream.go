package proxy

import (
	"bufio"
	"bytes"
	"io"
)

const (
	// sentinelLine ends a relay; it reaches the caller as the bare "[DONE]".
	sentinelLine = "data: [DONE]"
	doneMarker   = "[DONE]"

	maxLineBytes = 4 << 20
)

// relayLines copies src to dst one line at a time, appending a newline to
// each non-blank line and flushing after every write. It stops at the
// sentinel without reading further. onLine runs after each line is read.
// It returns the number of chunks written and whether the sentinel was seen.
func relayLines(dst io.Writer, flush func(), src io.Reader, onLine func()) (int, bool, error) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		out    []byte
		chunks int
	)
	for scanner.Scan() {
		if onLine != nil {
			onLine()
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		if string(line) == sentinelLine {
			if _, err := io.WriteString(dst, doneMarker); err != nil {
				return chunks, true, err
			}
			flush()
			return chunks + 1, true, nil
		}

		out = append(out[:0], line...)
		out = append(out, '\n')
		if _, err := dst.Write(out); err != nil {
			return chunks, false, err
		}
		flush()
		chunks++
	}
	return chunks, false, scanner.Err()
}
