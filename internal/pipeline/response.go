package pipeline

import (
	"bytes"
	"errors"
	"io"
	"net/http"
)

// ErrBodyTooLarge is returned by Response.Buffer when the body exceeds the
// limit. The response stays streamable.
var ErrBodyTooLarge = errors.New("response body exceeds buffer limit")

// Response is the reply sent to the client. Exactly one of Body and Stream
// carries the payload.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
	// Upstream is set when the response was relayed from the upstream.
	Upstream bool
}

// Buffer reads Stream into Body, up to max bytes.
func (r *Response) Buffer(max int64) error {
	if r.Stream == nil {
		return nil
	}
	b, err := io.ReadAll(io.LimitReader(r.Stream, max+1))
	if err != nil {
		r.Stream.Close()
		r.Stream = nil
		return err
	}
	if int64(len(b)) > max {
		r.Stream = &joinedBody{Reader: io.MultiReader(bytes.NewReader(b), r.Stream), closer: r.Stream}
		return ErrBodyTooLarge
	}
	r.Stream.Close()
	r.Stream = nil
	r.Body = b
	return nil
}

// Close releases the upstream stream, if any.
func (r *Response) Close() error {
	if r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

type joinedBody struct {
	io.Reader
	closer io.Closer
}

func (j *joinedBody) Close() error {
	return j.closer.Close()
}
