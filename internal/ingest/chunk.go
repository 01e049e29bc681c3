package ingest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"

	"cdrsync/pkg/datastore"
)

// ErrChunkDecode marks a chunk that is not a JSON array
var ErrChunkDecode = errors.New("chunk decode failed")

// framer states between tokens
const (
	expectValue = iota
	expectFirstValue
	expectKey
	expectFirstKey
	expectColon
	afterValue
)

// newChunkSplitter returns a bufio.SplitFunc that frames the stream into
// top-level JSON values, independent of how the transport segmented the
// bytes. Frames that turn out to be malformed are cut where the damage is
// detected and emitted on their own, so the next chunk still frames
// cleanly. A frame still open after limit bytes is cut the same way.
func newChunkSplitter(limit int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		start := 0
		for start < len(data) && isSpace(data[start]) {
			start++
		}
		if start == len(data) {
			return len(data), nil, nil
		}

		// junk outside any value runs to the next line or opening bracket
		if c := data[start]; c != '[' && c != '{' {
			for i := start + 1; i < len(data); i++ {
				if data[i] == '\n' || data[i] == '[' || data[i] == '{' {
					return i, data[start:i], nil
				}
			}
			if atEOF {
				return len(data), data[start:], nil
			}
			return start, nil, nil
		}

		frame := data[start:]
		end, cut, resync := scanFrame(frame[:min(len(frame), limit)])
		switch {
		case end > 0:
			return start + end, frame[:end], nil
		case cut > 0:
			return start + cut, frame[:cut], nil
		}

		if len(frame) >= limit {
			if resync > 0 {
				return start + resync, frame[:resync], nil
			}
			return start + limit, frame[:limit], nil
		}

		// truncated trailing value
		if atEOF {
			return len(data), frame, nil
		}
		return start, nil, nil
	}
}

// scanFrame walks one JSON value starting at b[0]. It returns end when the
// value closes, or cut when a syntax error shows the value is broken. cut
// is the offset where the next frame should start: the earliest opening
// bracket seen inside a string when there is one, since an unterminated
// string swallows whatever chunk follows it, otherwise the error offset.
// resync is that in-string bracket offset, or zero.
func scanFrame(b []byte) (end, cut, resync int) {
	var stack []byte
	state := expectValue
	inString, escaped, inScalar := false, false, false

	broken := func(i int) (int, int, int) {
		if resync > 0 && b[i] != '[' {
			return 0, resync, resync
		}
		return 0, i, resync
	}

	for i := 0; i < len(b); i++ {
		c := b[i]
		if inString {
			switch {
			case c < 0x20:
				// raw control characters never appear inside a valid string
				return broken(i)
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			case c == '[' && resync == 0:
				resync = i
			}
			continue
		}

		if inScalar {
			if isScalarByte(c) {
				continue
			}
			inScalar = false
			state = afterValue
		}
		if isSpace(c) {
			continue
		}

		switch {
		case c == '"':
			switch state {
			case expectKey, expectFirstKey:
				state = expectColon
			case expectValue, expectFirstValue:
				state = afterValue
			default:
				return broken(i)
			}
			inString = true
		case c == '[' || c == '{':
			if state != expectValue && state != expectFirstValue {
				return broken(i)
			}
			stack = append(stack, c)
			if c == '[' {
				state = expectFirstValue
			} else {
				state = expectFirstKey
			}
		case c == ']' || c == '}':
			open, first := byte('['), expectFirstValue
			if c == '}' {
				open, first = '{', expectFirstKey
			}
			if stack[len(stack)-1] != open || (state != afterValue && state != first) {
				return broken(i)
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i + 1, 0, resync
			}
			state = afterValue
		case c == ',':
			if state != afterValue {
				return broken(i)
			}
			if stack[len(stack)-1] == '[' {
				state = expectValue
			} else {
				state = expectKey
			}
		case c == ':':
			if state != expectColon {
				return broken(i)
			}
			state = expectValue
		case isScalarByte(c):
			if state != expectValue && state != expectFirstValue {
				return broken(i)
			}
			inScalar = true
		default:
			return broken(i)
		}
	}

	return 0, 0, resync
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

// numbers and the true/false/null literals
func isScalarByte(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c == '-' || c == '+' || c == '.'
}

// decodeChunk parses one frame as a batch of CDRs. Only a frame that is not
// a JSON array fails as a whole; an element that does not decode into a CDR
// is reported in rejected and the rest of the batch is kept. Invalid UTF-8
// inside strings is replaced with U+FFFD.
func decodeChunk(chunk []byte) (batch []datastore.CDR, rejected []error, err error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(chunk, &elements); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrChunkDecode, err)
	}

	batch = make([]datastore.CDR, 0, len(elements))
	for i, element := range elements {
		var record datastore.CDR
		if err := json.Unmarshal(element, &record); err != nil {
			rejected = append(rejected, fmt.Errorf("%w: element %d: %v", datastore.ErrRecordPersist, i, err))
			continue
		}
		batch = append(batch, record)
	}
	return batch, rejected, nil
}
