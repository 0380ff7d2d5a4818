package monitor

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/albenik/go-serial/v2"
)

// ConnectionError reports a failure to open the serial device. Failures after
// the port is open surface as plain errors from the read loop instead.
type ConnectionError struct {
	Device string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("opening serial port %s: %v", e.Device, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// maxLineBytes bounds line assembly so a stream that never sends a terminator
// cannot grow the carry-over buffer without limit; an oversized run is flushed
// as if it were one line.
const maxLineBytes = 64 * 1024

// SerialPort adapts a hardware serial port to the Source interface, adding
// line assembly on top of the port's timeout-bounded reads.
type SerialPort struct {
	port *serial.Port
	buf  []byte // read from the device but not yet returned by ReadLine
	tmp  []byte
}

func OpenPort(device string, baud int, readTimeout time.Duration) (*SerialPort, error) {
	// A zero timeout would make idle reads block forever and a negative one
	// would wrap in the conversion below.
	if readTimeout <= 0 {
		return nil, &ConnectionError{Device: device, Err: errors.New("read timeout must be positive")}
	}
	port, err := serial.Open(device,
		serial.WithBaudrate(baud),
		serial.WithDataBits(8),
		serial.WithParity(serial.NoParity),
		serial.WithStopBits(serial.OneStopBit),
	)
	if err != nil {
		return nil, &ConnectionError{Device: device, Err: err}
	}
	// A read hands back whatever has arrived as soon as the first byte does;
	// the timeout only bounds reads that find the line silent. The plain
	// read timeout waits out the whole deadline trying to fill the buffer.
	if err := port.SetFirstByteReadTimeout(uint32(readTimeout.Milliseconds())); err != nil {
		port.Close()
		return nil, &ConnectionError{Device: device, Err: err}
	}
	return &SerialPort{port: port, tmp: make([]byte, 256)}, nil
}

// BytesAvailable counts carried-over bytes before asking the driver, so lines
// already sitting in userspace get drained before the loop decides to sleep.
func (p *SerialPort) BytesAvailable() (int, error) {
	if len(p.buf) > 0 {
		return len(p.buf), nil
	}
	n, err := p.port.ReadyToRead()
	if err != nil {
		return 0, fmt.Errorf("querying input buffer: %w", err)
	}
	return int(n), nil
}

// ReadLine returns one LF-terminated line, or whatever arrived before the
// port's read timeout if no terminator shows up in time. The timeout case is
// how a trailing unterminated fragment still reaches the operator.
func (p *SerialPort) ReadLine() ([]byte, error) {
	for {
		if i := bytes.IndexByte(p.buf, '\n'); i >= 0 {
			return p.take(i + 1), nil
		}
		if len(p.buf) >= maxLineBytes {
			return p.take(len(p.buf)), nil
		}
		n, err := p.port.Read(p.tmp)
		if err != nil {
			return nil, fmt.Errorf("reading from port: %w", err)
		}
		if n == 0 { // read timeout
			return p.take(len(p.buf)), nil
		}
		p.buf = append(p.buf, p.tmp[:n]...)
	}
}

func (p *SerialPort) take(n int) []byte {
	line := make([]byte, n)
	copy(line, p.buf[:n])
	p.buf = p.buf[:copy(p.buf, p.buf[n:])]
	return line
}

func (p *SerialPort) Close() error {
	return p.port.Close()
}

// ListPorts reports the serial devices present on this system.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
