// Package json streams JSON object records out of a byte stream one element
// at a time, so a source of any size is never held in memory whole.
package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"schemaflow/internal/document"
)

// ErrNotObject is reported through onParseErr for array elements that are
// not JSON objects.
var ErrNotObject = errors.New("json: array element is not an object")

// StreamArray parses r and calls emit for every object record.
//
// Streaming behavior:
//   - If the root is a JSON array, each object element is emitted in order.
//   - If the root is an object holding an array field, the first such field
//     is streamed (envelope pattern) and the remaining fields are skipped.
//   - If the root is an object without array fields, it is emitted as one record.
//   - JSON values following the root (JSON lines) are emitted as records too.
//
// index is the element's position in its array (0-based, nulls included),
// or the running record count for non-array roots.
//
// Edge cases:
//   - null elements are skipped silently.
//   - Non-object elements are passed to onParseErr (when non-nil) with
//     ErrNotObject and skipped; the stream continues.
//   - Malformed JSON stops the stream with an error.
//   - An error returned by emit stops the stream and is returned as-is.
func StreamArray(
	ctx context.Context,
	r io.Reader,
	emit func(index int, obj *document.Object) error,
	onParseErr func(index int, err error),
) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	s := &streamer{ctx: ctx, dec: dec, emit: emit, onParseErr: onParseErr}

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("json: read first token: %w", err)
	}

	d, ok := tok.(json.Delim)
	if !ok {
		return fmt.Errorf("json: unsupported root token %T (want object or array)", tok)
	}
	switch d {
	case '[':
		if err := s.streamArray(); err != nil {
			return err
		}
	case '{':
		if err := s.streamEnvelopeOrSingle(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("json: unsupported root delimiter %q", d)
	}
	return s.streamTrailing()
}

type streamer struct {
	ctx        context.Context
	dec        *json.Decoder
	emit       func(int, *document.Object) error
	onParseErr func(int, error)
	records    int
}

func (s *streamer) element(index int, v any) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		return nil
	case *document.Object:
		s.records++
		return s.emit(index, t)
	default:
		if s.onParseErr != nil {
			s.onParseErr(index, fmt.Errorf("%w (got %T)", ErrNotObject, v))
		}
		return nil
	}
}

// streamArray consumes the elements and the closing ']' of an array whose
// '[' was already read.
func (s *streamer) streamArray() error {
	for i := 0; s.dec.More(); i++ {
		tok, err := s.dec.Token()
		if err != nil {
			return fmt.Errorf("json: read element %d: %w", i, err)
		}
		v, err := document.DecodeValue(s.dec, tok)
		if err != nil {
			return fmt.Errorf("json: decode element %d: %w", i, err)
		}
		if err := s.element(i, v); err != nil {
			return err
		}
	}
	return s.expect(']')
}

// streamEnvelopeOrSingle consumes a root object whose '{' was already read.
func (s *streamer) streamEnvelopeOrSingle() error {
	single := document.NewObject()
	for s.dec.More() {
		kt, err := s.dec.Token()
		if err != nil {
			return fmt.Errorf("json: read object key: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("json: object key not a string (got %T)", kt)
		}
		vt, err := s.dec.Token()
		if err != nil {
			return fmt.Errorf("json: read value of %q: %w", key, err)
		}

		if vt == json.Delim('[') {
			if err := s.streamArray(); err != nil {
				return err
			}
			for s.dec.More() {
				if _, err := s.dec.Token(); err != nil {
					return fmt.Errorf("json: skip envelope key: %w", err)
				}
				if err := s.skipValue(); err != nil {
					return err
				}
			}
			return s.expect('}')
		}

		v, err := document.DecodeValue(s.dec, vt)
		if err != nil {
			return err
		}
		single.Set(key, v)
	}
	if err := s.expect('}'); err != nil {
		return err
	}
	return s.element(s.records, single)
}

func (s *streamer) streamTrailing() error {
	for {
		tok, err := s.dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("json: read trailing value: %w", err)
		}
		v, err := document.DecodeValue(s.dec, tok)
		if err != nil {
			return fmt.Errorf("json: decode trailing value: %w", err)
		}
		if err := s.element(s.records, v); err != nil {
			return err
		}
	}
}

// skipValue discards the next value without building it.
func (s *streamer) skipValue() error {
	depth := 0
	for {
		tok, err := s.dec.Token()
		if err != nil {
			return fmt.Errorf("json: skip value: %w", err)
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			default:
				depth--
			}
		}
		if depth == 0 {
			return nil
		}
	}
}

func (s *streamer) expect(want json.Delim) error {
	tok, err := s.dec.Token()
	if err != nil {
		return fmt.Errorf("json: read %q: %w", want, err)
	}
	if tok != want {
		return fmt.Errorf("json: expected %q, got %v", want, tok)
	}
	return nil
}
