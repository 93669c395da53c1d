package progress

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Frame is a single line of the progress stream.
type Frame struct {
	Timestamp time.Time `json:"ts"`
	Update    Update    `json:"update"`
}

// Encoder writes progress updates as newline-delimited JSON, for an external
// renderer to consume.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates a new progress encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one update and flushes.
func (e *Encoder) Encode(u Update) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("invalid update: %w", err)
	}

	b, err := json.Marshal(Frame{Timestamp: time.Now().UTC(), Update: u})
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("failed to write update: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Decoder reads progress updates written by an Encoder.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new progress decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	const maxCapacity = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &Decoder{r: scanner}
}

// Decode reads the next frame. It returns io.EOF at the end of the stream.
func (d *Decoder) Decode() (*Frame, error) {
	for d.r.Scan() {
		line := d.r.Bytes()
		if len(line) == 0 {
			continue
		}

		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal update: %w", err)
		}
		if err := f.Update.Validate(); err != nil {
			return nil, fmt.Errorf("invalid update: %w", err)
		}
		return &f, nil
	}
	if err := d.r.Err(); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return nil, io.EOF
}
