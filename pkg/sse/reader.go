package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one parsed SSE event, delimited by a blank line.
type Event struct {
	// Type is the "event:" field; empty means the default "message" type.
	Type string
	// Data joins all "data:" lines of the event with "\n".
	Data string
	ID   string
}

// Reader parses SSE events from an upstream body.
type Reader struct {
	scanner  *bufio.Scanner
	current  Event
	hasData  bool
	dataSeen bool
}

func NewReader(src io.Reader) *Reader {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next blocks until a complete event is available. It returns io.EOF once
// the source is exhausted. A trailing event without a final blank line is
// still returned.
func (r *Reader) Next() (Event, error) {
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		if line == "" {
			if r.hasData {
				return r.take(), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		r.parseLine(line)
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if r.hasData {
		return r.take(), nil
	}
	return Event{}, io.EOF
}

func (r *Reader) parseLine(line string) {
	field, value, ok := strings.Cut(line, ":")
	if ok {
		value = strings.TrimPrefix(value, " ")
	} else {
		field = line
	}
	switch field {
	case "data":
		if r.dataSeen {
			r.current.Data += "\n"
		}
		r.current.Data += value
		r.dataSeen = true
		r.hasData = true
	case "event":
		r.current.Type = value
		r.hasData = true
	case "id":
		r.current.ID = value
		r.hasData = true
	}
}

func (r *Reader) take() Event {
	ev := r.current
	r.current = Event{}
	r.hasData = false
	r.dataSeen = false
	return ev
}
