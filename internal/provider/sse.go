package provider

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
)

// SSEDecoder reads "data:" events from a server-sent event body and decodes each payload
// as JSON into E. A "[DONE]" payload ends the stream. It implements stream.Source[E].
type SSEDecoder[E any] struct {
	body   io.ReadCloser
	reader *bufio.Reader
	cur    E
	err    error
	done   bool
}

func NewSSEDecoder[E any](body io.ReadCloser) *SSEDecoder[E] {
	return &SSEDecoder[E]{body: body, reader: bufio.NewReader(body)}
}

func (d *SSEDecoder[E]) Next() bool {
	if d.done || d.err != nil {
		return false
	}
	for {
		line, err := d.reader.ReadString('\n')
		line = strings.TrimSpace(line)

		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				d.done = true
				return false
			}
			var elem E
			if jerr := json.Unmarshal([]byte(data), &elem); jerr != nil {
				d.err = fmt.Errorf("failed to decode stream event: %w", jerr)
				return false
			}
			d.cur = elem
			return true
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.err = err
			}
			d.done = true
			return false
		}
	}
}

func (d *SSEDecoder[E]) Current() E {
	return d.cur
}

func (d *SSEDecoder[E]) Err() error {
	return d.err
}

func (d *SSEDecoder[E]) Close() error {
	d.done = true
	return d.body.Close()
}
