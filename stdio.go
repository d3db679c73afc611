package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StdIO implements a line-delimited JSON transport over an io.Reader/io.Writer pair, such
// as stdin/stdout of a child process or the two ends of io.Pipe. It carries a single
// persistent session and can be used as either ServerTransport or ClientTransport.
//
// Instances must be created with NewStdIO.
type StdIO struct {
	sess   *stdIOSession
	closed chan struct{}

	startOnce *sync.Once
	serving   atomic.Bool
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	lines         chan string
	writeMessages chan stdIOMessage

	readOnce *sync.Once
	done     chan struct{}
	stopOnce *sync.Once
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

const stdIOParseErrorTimeout = 5 * time.Second

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		sess: &stdIOSession{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			lines:         make(chan string),
			writeMessages: make(chan stdIOMessage),
			readOnce:      &sync.Once{},
			done:          make(chan struct{}),
			stopOnce:      &sync.Once{},
		},
		closed:    make(chan struct{}),
		startOnce: &sync.Once{},
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger.With(slog.String("component", "stdio"))
	}
}

// Sessions implements the ServerTransport interface by yielding its single session and
// waiting until that session is stopped.
func (s *StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		s.serving.Store(true)
		s.start()

		// StdIO only supports a single session, so we yield it and wait until it's done.
		yield(s.sess)
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by stopping the session and waiting for
// the Sessions loop to exit.
func (s *StdIO) Shutdown(ctx context.Context) error {
	s.sess.Stop()
	if !s.serving.Load() {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface by returning its single session.
func (s *StdIO) StartSession(_ context.Context) (Session, error) {
	s.start()
	return s.sess, nil
}

func (s *StdIO) start() {
	s.startOnce.Do(func() {
		go s.sess.processWriteMessages()
	})
}

func (s *stdIOSession) ID() string {
	return s.id
}

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		s.readOnce.Do(func() {
			go s.readLines()
		})

		for {
			var line string
			select {
			case <-s.done:
				return
			case l, ok := <-s.lines:
				if !ok {
					return
				}
				line = l
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				s.logger.Warn("failed to unmarshal message", slog.String("err", err.Error()))
				s.replyParseError(err)
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// readLines feeds lines from the reader until it fails or the session is stopped. The
// reader is not closed, so a blocked read only returns once the peer closes its end.
func (s *stdIOSession) readLines() {
	defer close(s.lines)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			select {
			case s.lines <- line:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Error("failed to read message", slog.String("err", err.Error()))
			}
			return
		}
	}
}

func (s *stdIOSession) replyParseError(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), stdIOParseErrorTimeout)
	defer cancel()

	if sErr := s.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Error: &JSONRPCError{
			Code:    jsonRPCParseErrorCode,
			Message: fmt.Sprintf("Parse error: %v", err),
		},
	}); sErr != nil {
		s.logger.Warn("failed to send parse error", slog.String("err", sErr.Error()))
	}
}

func (s *stdIOSession) processWriteMessages() {
	for {
		// Process writing the message queue until the session is closed.
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
