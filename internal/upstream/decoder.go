package upstream

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEventName = "message"
	maxFrameSize     = 1 << 20
)

// Frame is one dispatched server-sent event. ID is the last event id seen on
// the stream; HasID reports whether this event set it itself. Oversized frames
// carry no data: one of their lines, or their data as a whole, exceeded the
// size limit and was discarded.
type Frame struct {
	ID        string
	HasID     bool
	Event     string
	Data      string
	Oversized bool
}

// Decoder reads text/event-stream frames. Partial events left when the
// stream ends are discarded.
type Decoder struct {
	reader      *bufio.Reader
	lastEventID string
	retry       time.Duration
	first       bool
	skipLF      bool
}

// NewDecoder reads from r. lastEventID seeds the id reported by frames that
// do not carry one, so it survives a reconnect.
func NewDecoder(r io.Reader, lastEventID string) *Decoder {
	return &Decoder{
		reader:      bufio.NewReaderSize(r, 4096),
		lastEventID: lastEventID,
		first:       true,
	}
}

func (d *Decoder) LastEventID() string {
	return d.lastEventID
}

// Retry returns the last reconnection time sent by the server, zero if none.
func (d *Decoder) Retry() time.Duration {
	return d.retry
}

// Next blocks until the next frame is dispatched. It returns io.EOF when the
// stream ends.
func (d *Decoder) Next() (*Frame, error) {
	var (
		event     string
		data      strings.Builder
		hasData   bool
		hasID     bool
		oversized bool
	)

	for {
		line, truncated, err := d.readLine()
		if err != nil {
			return nil, err
		}

		if d.first {
			line = strings.TrimPrefix(line, "\ufeff")
			d.first = false
		}

		if truncated {
			oversized = true
			continue
		}

		if line == "" {
			if !hasData && !oversized {
				event = ""
				hasID = false
				continue
			}

			if event == "" {
				event = defaultEventName
			}

			if oversized {
				return &Frame{ID: d.lastEventID, HasID: hasID, Event: event, Oversized: true}, nil
			}

			return &Frame{
				ID:    d.lastEventID,
				HasID: hasID,
				Event: event,
				Data:  data.String(),
			}, nil
		}

		if line[0] == ':' {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "event":
			event = value
		case "data":
			if oversized {
				continue
			}
			if data.Len()+len(value)+1 > maxFrameSize {
				oversized = true
				data.Reset()
				continue
			}
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				d.lastEventID = value
				hasID = true
			}
		case "retry":
			if ms, err := strconv.ParseUint(value, 10, 32); err == nil {
				d.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

// readLine returns the next line without its LF, CRLF or CR terminator. A
// line longer than maxFrameSize is consumed up to its terminator and reported
// as truncated instead of being buffered.
func (d *Decoder) readLine() (string, bool, error) {
	var (
		line      []byte
		truncated bool
	)

	for {
		head, err := d.reader.Peek(1)
		if err != nil {
			return "", false, err
		}

		if d.skipLF {
			d.skipLF = false
			if head[0] == '\n' {
				_, _ = d.reader.Discard(1)
				continue
			}
		}

		buf, _ := d.reader.Peek(d.reader.Buffered())

		i := bytes.IndexAny(buf, "\r\n")
		if i < 0 {
			line, truncated = appendLine(line, buf, truncated)
			_, _ = d.reader.Discard(len(buf))
			continue
		}

		line, truncated = appendLine(line, buf[:i], truncated)
		d.skipLF = buf[i] == '\r'
		_, _ = d.reader.Discard(i + 1)

		if truncated {
			return "", true, nil
		}

		return string(line), false, nil
	}
}

func appendLine(line, chunk []byte, truncated bool) ([]byte, bool) {
	if truncated || len(line)+len(chunk) > maxFrameSize {
		return nil, true
	}

	return append(line, chunk...), false
}
