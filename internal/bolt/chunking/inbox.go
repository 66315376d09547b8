package chunking

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nishisan-dev/neobolt/internal/bolt/packstream"
)

// ErrConnectionDefunct is returned by Next once the Inbox's underlying
// reader has failed and the connection must not be reused (spec §4.1:
// "I/O errors ... are surfaced via an on_error callback that marks the
// connection defunct; the iterator is then exhausted").
var ErrConnectionDefunct = errors.New("chunking: connection is defunct")

// Message is one decoded Bolt message: a tag byte plus its ordered
// PackStream field values.
type Message struct {
	Tag    byte
	Fields []any
}

// Inbox is a stateful stream reader producing (tag, fields) pairs by
// dechunking an io.Reader and decoding each reassembled message as a
// PackStream structure (spec §4.1).
type Inbox struct {
	r        io.Reader
	logger   *slog.Logger
	onError  func(error)
	scratch  []byte
	defunct  bool
	lastErr  error
	lenBuf   [2]byte
}

// NewInbox returns an Inbox reading from r. onError, if non-nil, is
// invoked exactly once with the first I/O error encountered; it is the
// hook a connection uses to mark itself defunct (spec §4.1).
func NewInbox(r io.Reader, logger *slog.Logger, onError func(error)) *Inbox {
	return &Inbox{r: r, logger: logger, onError: onError}
}

// Next reads and decodes the next whole message, transparently
// skipping any standalone zero-length NOOP chunks in between (spec
// §3, §6, scenario S6). Returns ErrConnectionDefunct (wrapping the
// underlying cause) once the stream has failed.
func (in *Inbox) Next() (*Message, error) {
	if in.defunct {
		return nil, fmt.Errorf("%w: %v", ErrConnectionDefunct, in.lastErr)
	}

	in.scratch = in.scratch[:0]
	for {
		n, err := in.readChunkLength()
		if err != nil {
			return nil, in.fail(err)
		}
		if n == 0 {
			if len(in.scratch) == 0 {
				// Standalone zero-length chunk between messages: NOOP keep-alive.
				if in.logger != nil {
					in.logger.Debug("bolt: NOOP keep-alive")
				}
				continue
			}
			break // terminator: message complete
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(in.r, payload); err != nil {
			return nil, in.fail(fmt.Errorf("reading chunk payload: %w", err))
		}
		in.scratch = append(in.scratch, payload...)
	}

	dec := packstream.NewDecoder(in.scratch)
	tag, size, err := dec.ReadStructHeader()
	if err != nil {
		return nil, in.fail(fmt.Errorf("decoding message structure: %w", err))
	}
	fields := make([]any, size)
	for i := range fields {
		v, err := dec.ReadValue()
		if err != nil {
			return nil, in.fail(fmt.Errorf("decoding message field %d: %w", i, err))
		}
		fields[i] = v
	}
	return &Message{Tag: tag, Fields: fields}, nil
}

func (in *Inbox) readChunkLength() (int, error) {
	if _, err := io.ReadFull(in.r, in.lenBuf[:]); err != nil {
		return 0, fmt.Errorf("reading chunk length: %w", err)
	}
	return int(binary.BigEndian.Uint16(in.lenBuf[:])), nil
}

func (in *Inbox) fail(err error) error {
	in.defunct = true
	in.lastErr = err
	if in.onError != nil {
		in.onError(err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionDefunct, err)
}
