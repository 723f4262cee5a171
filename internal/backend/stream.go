package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// stream adapts a chunked response body into fully decoded text fragments.
// The daemon may split multi-byte characters across chunk boundaries; the
// incremental decoder carries partial sequences between reads and only
// yields complete text. Content is opaque: newline-delimited structured
// fragments pass through untouched.
type stream struct {
	body    io.ReadCloser
	decoder *encoding.Decoder

	buf     []byte // scratch read buffer
	carry   []byte // undecoded tail bytes from previous reads
	readErr error  // deferred non-EOF read error
	eof     bool   // body is exhausted, final flush pending
	done    bool
}

func newStream(body io.ReadCloser) *stream {
	return &stream{
		body:    body,
		decoder: unicode.UTF8.NewDecoder(),
		buf:     make([]byte, 4096),
	}
}

// Next returns the next decoded text fragment, io.EOF on clean close, or the
// read error that ended the stream. Fragments are returned before a deferred
// error so already-delivered bytes are never lost.
func (s *stream) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if s.done {
			return "", io.EOF
		}
		if s.eof {
			out, err := s.decode(true)
			if err != nil {
				s.done = true
				return "", err
			}
			if out != "" {
				return out, nil
			}
			s.done = true
			if s.readErr != nil {
				return "", s.readErr
			}
			return "", io.EOF
		}

		n, err := s.body.Read(s.buf)
		if n > 0 {
			s.carry = append(s.carry, s.buf[:n]...)
			out, decErr := s.decode(false)
			if decErr != nil {
				return "", decErr
			}
			if out != "" {
				if err != nil {
					s.noteReadEnd(err)
				}
				return out, nil
			}
		}
		if err != nil {
			s.noteReadEnd(err)
		}
	}
}

// noteReadEnd records that the body produced its last bytes. io.EOF is the
// clean case; anything else is surfaced after the final decode flush.
func (s *stream) noteReadEnd(err error) {
	s.eof = true
	if err != io.EOF && s.readErr == nil {
		s.readErr = fmt.Errorf("read backend stream: %w", err)
	}
}

// decode runs the carried bytes through the incremental decoder. With
// atEOF=false a trailing partial sequence stays in carry; with atEOF=true it
// is replaced so a truncated stream still yields everything decodable.
func (s *stream) decode(atEOF bool) (string, error) {
	if len(s.carry) == 0 {
		return "", nil
	}
	// A replaced invalid byte can expand to a 3-byte replacement rune.
	dst := make([]byte, 3*len(s.carry)+utf8.UTFMax)
	nDst, nSrc, err := s.decoder.Transform(dst, s.carry, atEOF)
	if err != nil && !errors.Is(err, transform.ErrShortSrc) && !errors.Is(err, transform.ErrShortDst) {
		return "", fmt.Errorf("decode backend stream: %w", err)
	}
	s.carry = append(s.carry[:0], s.carry[nSrc:]...)
	return string(dst[:nDst]), nil
}

// Close releases the underlying connection. Safe to call on every exit path.
func (s *stream) Close() error {
	return s.body.Close()
}
