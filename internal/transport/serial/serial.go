// Package serial receives turret commands over a serial line.
//
// The line protocol is one JSON command per line. Each line is answered
// with one JSON line: the dispatch outcome, or {"error": "..."}.
package serial

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/cjeanneret/TurretGo/internal/debug"
	"github.com/cjeanneret/TurretGo/internal/logic/command"
)

// DefaultBaudRate matches the usual USB-serial console speed.
const DefaultBaudRate = 115200

// DefaultReopenDelay is the pause between attempts to reopen a lost port.
const DefaultReopenDelay = time.Second

// maxLine bounds a single command line.
const maxLine = 4 << 10

var errLineTooLong = fmt.Errorf("command line longer than %d bytes", maxLine)

// Handler executes a JSON command. *command.Dispatcher implements it.
type Handler interface {
	HandlePayload(payload []byte) (command.Outcome, error)
}

// OpenFunc opens a serial device.
type OpenFunc func(port string, mode *serial.Mode) (io.ReadWriteCloser, error)

// Config selects the serial device.
type Config struct {
	Port        string // e.g. "/dev/ttyUSB0"
	BaudRate    int
	ReopenDelay time.Duration
	Open        OpenFunc // nil opens the device with go.bug.st/serial
}

// Listener reads commands from a serial port.
type Listener struct {
	cfg     Config
	handler Handler
}

// New creates a listener. Zero values select DefaultBaudRate and
// DefaultReopenDelay.
func New(cfg Config, h Handler) *Listener {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReopenDelay <= 0 {
		cfg.ReopenDelay = DefaultReopenDelay
	}
	if cfg.Open == nil {
		cfg.Open = func(port string, mode *serial.Mode) (io.ReadWriteCloser, error) {
			return serial.Open(port, mode)
		}
	}
	return &Listener{cfg: cfg, handler: h}
}

// Ports lists the serial ports present on the system.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

// Run opens the port and serves it until ctx is cancelled.
//
// Only the first open can fail Run. Once listening, a lost or broken port
// is logged and reopened every ReopenDelay, so a misbehaving peer never
// stops the caller.
func (l *Listener) Run(ctx context.Context) error {
	port, err := l.open()
	if err != nil {
		return err
	}
	debug.Info("Serial: listening on %s at %d baud", l.cfg.Port, l.cfg.BaudRate)

	for {
		err := l.serve(ctx, port)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			debug.Error(err)
		}
		debug.Warn("Serial: %s lost, reopening", l.cfg.Port)

		port, err = l.reopen(ctx)
		if err != nil {
			return nil // cancelled
		}
		debug.Info("Serial: reopened %s", l.cfg.Port)
	}
}

func (l *Listener) open() (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: l.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := l.cfg.Open(l.cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", l.cfg.Port, err)
	}
	return port, nil
}

// reopen retries until the port opens or ctx is cancelled.
func (l *Listener) reopen(ctx context.Context) (io.ReadWriteCloser, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.ReopenDelay):
		}
		port, err := l.open()
		if err == nil {
			return port, nil
		}
		debug.Verbose("Serial: %v", err)
	}
}

// serve handles one opened port and always closes it.
func (l *Listener) serve(ctx context.Context, port io.ReadWriteCloser) error {
	// Closing the port unblocks the pending Read.
	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer func() {
		if stop() {
			port.Close()
		}
	}()
	return l.Serve(ctx, port, port)
}

// Serve handles commands read from r until EOF or ctx is cancelled.
// Replies are written to w when it is not nil. A line longer than the
// limit is discarded up to its newline and answered with an error.
// A read error after cancellation is not reported.
func (l *Listener) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	br := bufio.NewReaderSize(r, maxLine)

	for {
		raw, rerr := readLine(br)
		if errors.Is(rerr, errLineTooLong) {
			debug.Warn("Serial: %v, dropped", rerr)
			if w != nil {
				if werr := reply(w, command.Outcome{}, rerr); werr != nil {
					return fmt.Errorf("serial: write reply: %w", werr)
				}
			}
			continue
		}

		if line := strings.TrimSpace(string(raw)); line != "" {
			debug.Live("Serial: %s", line)
			out, err := l.handler.HandlePayload([]byte(line))
			if w != nil {
				if werr := reply(w, out, err); werr != nil {
					return fmt.Errorf("serial: write reply: %w", werr)
				}
			}
		}

		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(rerr, io.EOF) {
				debug.Info("Serial: end of input")
				return nil
			}
			return fmt.Errorf("serial: read: %w", rerr)
		}
	}
}

// readLine returns the next line including its newline. An oversized
// line is consumed through its newline and reported as errLineTooLong.
func readLine(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadSlice('\n')
	if !errors.Is(err, bufio.ErrBufferFull) {
		return line, err
	}
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = br.ReadSlice('\n')
	}
	if err != nil {
		return nil, err
	}
	return nil, errLineTooLong
}

func reply(w io.Writer, out command.Outcome, err error) error {
	var v any = out
	if err != nil {
		v = map[string]string{"error": err.Error()}
	}
	data, merr := json.Marshal(v)
	if merr != nil {
		return merr
	}
	_, werr := w.Write(append(data, '\n'))
	return werr
}
