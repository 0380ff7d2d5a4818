package monitor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Source is the minimal capability the read loop needs from a port: an
// availability check and a timeout-bounded line read. Tests substitute a fake
// so the loop never needs real hardware.
type Source interface {
	BytesAvailable() (int, error)
	ReadLine() ([]byte, error)
}

// Handler receives each decoded, non-empty line. A handler error stops the
// monitor; handlers that only do best-effort delivery should log and swallow
// their own failures instead of returning them.
type Handler interface {
	Line(text string) error
}

// ConsoleWriter emits each line to Out. This is the monitor's primary output
// path, so its write errors are fatal.
type ConsoleWriter struct {
	Out io.Writer
}

func (c *ConsoleWriter) Line(text string) error {
	_, err := fmt.Fprintln(c.Out, text)
	return err
}

type Config struct {
	Device       string
	Baud         int
	PollInterval time.Duration
	ReadTimeout  time.Duration
}

type Monitor struct {
	source   Source
	poll     time.Duration
	handlers []Handler
}

func New(source Source, poll time.Duration, handlers ...Handler) *Monitor {
	return &Monitor{source: source, poll: poll, handlers: handlers}
}

// Run drives the poll/read/decode/print loop until ctx is canceled (returns
// nil, the normal way to stop) or a read or handler fails (returns the
// error). It never opens or closes the source.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		avail, err := m.source.BytesAvailable()
		if err != nil {
			return err
		}
		if avail == 0 {
			// The poll interval is the sole throttle; the select keeps the
			// sleep interruptible so a stop request never waits on it.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(m.poll):
			}
			continue
		}

		raw, err := m.source.ReadLine()
		if err != nil {
			return err
		}
		text := sanitizeLine(raw)
		if text == "" {
			continue
		}
		for _, h := range m.handlers {
			if err := h.Line(text); err != nil {
				return fmt.Errorf("emitting line: %w", err)
			}
		}
	}
}

var utf8Replacement = []byte("�")

// sanitizeLine converts raw port bytes to printable text. Invalid UTF-8 is
// replaced rather than rejected, so garbage on the wire can never take the
// monitor down, and the terminator plus surrounding whitespace is trimmed.
func sanitizeLine(raw []byte) string {
	return strings.TrimSpace(string(bytes.ToValidUTF8(raw, utf8Replacement)))
}

// Run opens the named device and monitors it until ctx is canceled or the
// loop fails. The port is closed on every exit path; an open failure returns
// a *ConnectionError without any close attempt.
func Run(ctx context.Context, cfg Config, handlers ...Handler) error {
	port, err := OpenPort(cfg.Device, cfg.Baud, cfg.ReadTimeout)
	if err != nil {
		return err
	}
	defer port.Close()
	return New(port, cfg.PollInterval, handlers...).Run(ctx)
}
