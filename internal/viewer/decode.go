// Package viewer is the receiving side of the board stream: it parses the
// server-sent event stream and keeps a local board that converges to the
// server's state however events are duplicated or reordered.
package viewer

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/hperssn/modtrack/internal/broadcast"
)

// maxLine bounds a single SSE line; a full plan list fits comfortably.
const maxLine = 4 << 20

// Decoder reads board events from a text/event-stream body.
type Decoder struct {
	sc *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	return &Decoder{sc: sc}
}

// Next returns the next event. It returns io.EOF when the stream ends.
// Comments and events without a name are skipped.
func (d *Decoder) Next() (broadcast.Event, error) {
	var (
		name string
		data strings.Builder
	)
	for d.sc.Scan() {
		line := d.sc.Text()

		if line == "" {
			if name == "" {
				data.Reset()
				continue
			}
			ev, err := broadcast.DecodeEvent(name, broadcast.JSON([]byte(data.String())))
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", name, err)
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
	if err := d.sc.Err(); err != nil {
		return nil, err
	}
	if name != "" {
		return nil, io.ErrUnexpectedEOF
	}
	return nil, io.EOF
}
