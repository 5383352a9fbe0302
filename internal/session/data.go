package session

import "strings"

// maxDataLineLength is the RFC 5321 §4.5.3.1.6 text-line limit (content
// bytes only, excluding CRLF).
const maxDataLineLength = 998

// collectData reads DATA-phase lines until the lone-dot terminator,
// applying dot-transparency and enforcing maxMessageSize against the
// running total. DataLineTooLong is recoverable within the phase
// (onTooLong reports it to the peer and collection continues); every
// other error is fatal and ends the phase immediately.
func collectData(r *reader, maxMessageSize int64, onTooLong func()) ([]byte, error) {
	var body []byte
	var total int64

	for {
		line, err := r.readLine(maxDataLineLength, DataLineTooLong)
		if err != nil {
			sessErr, ok := err.(*Error)
			if ok && sessErr.Kind == DataLineTooLong {
				onTooLong()
				continue
			}
			return nil, err
		}
		if line == "." {
			return body, nil
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}

		total += int64(len(line)) + 2 // + CRLF
		if total > maxMessageSize {
			return nil, newError(MessageTooLarge)
		}

		body = append(body, line...)
		body = append(body, '\r', '\n')
	}
}
