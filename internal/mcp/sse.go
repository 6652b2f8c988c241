package mcp

import (
	"bufio"
	"io"
	"strings"
)

// event is one server-sent event. Multi-line data fields are joined with
// newlines.
type event struct {
	name string
	data string
}

type eventReader struct {
	sc *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	return &eventReader{sc: sc}
}

// next blocks until a complete event arrives. Comment lines and events
// without data are skipped. At end of stream it returns the scanner error,
// or io.EOF.
func (r *eventReader) next() (event, error) {
	var ev event
	var data []string
	for r.sc.Scan() {
		line := strings.TrimSuffix(r.sc.Text(), "\r")
		if line == "" {
			if data != nil {
				ev.data = strings.Join(data, "\n")
				return ev, nil
			}
			ev = event{}
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := r.sc.Err(); err != nil {
		return event{}, err
	}
	return event{}, io.EOF
}
