// Package serial provides the raw termios serial line used by the Modbus RTU
// transport.
package serial

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Common errors
var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// Parity is the parity mode of the line.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	}
	return "none"
}

// ParseParity accepts none, even or odd.
func ParseParity(s string) (Parity, error) {
	switch strings.ToLower(s) {
	case "none", "n":
		return ParityNone, nil
	case "even", "e":
		return ParityEven, nil
	case "odd", "o":
		return ParityOdd, nil
	}
	return 0, fmt.Errorf("serial: unknown parity %q", s)
}

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g., /dev/ttyUSB0)
	Device string

	// Baud rate (default: 19200)
	BaudRate int

	Parity Parity

	// StopBits is 1 or 2 (default: 1)
	StopBits int

	// ReadTimeout bounds a single Read (default: 1 second)
	ReadTimeout time.Duration
}

// DefaultConfig returns the Modbus RTU line defaults: 19200 8E1.
func DefaultConfig() Config {
	return Config{
		BaudRate:    19200,
		Parity:      ParityEven,
		StopBits:    1,
		ReadTimeout: time.Second,
	}
}

// CharTime is the time one 11-bit RTU character takes on the wire.
func (c Config) CharTime() time.Duration {
	if c.BaudRate <= 0 {
		return 0
	}
	return time.Duration(11 * int64(time.Second) / int64(c.BaudRate))
}

// Port represents an open serial line.
type Port struct {
	mu         sync.Mutex
	fd         int
	device     string
	config     Config
	closed     bool
	oldTermios *unix.Termios
}

// ListPorts returns the serial devices present on this machine.
func ListPorts() ([]string, error) {
	var patterns []string
	switch runtime.GOOS {
	case "linux":
		patterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/ttyS*", "/dev/serial/by-id/*"}
	case "darwin":
		patterns = []string{"/dev/tty.usbserial*", "/dev/cu.usbserial*"}
	default:
		return nil, fmt.Errorf("serial: unsupported platform %s", runtime.GOOS)
	}

	seen := make(map[string]bool)
	var ports []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			resolved, err := filepath.EvalSymlinks(m)
			if err != nil {
				resolved = m
			}
			if !seen[resolved] {
				seen[resolved] = true
				ports = append(ports, resolved)
			}
		}
	}
	sort.Strings(ports)
	return ports, nil
}

// Open opens and configures a serial line.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	def := DefaultConfig()
	if cfg.BaudRate == 0 {
		cfg.BaudRate = def.BaudRate
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = def.StopBits
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.StopBits != 1 && cfg.StopBits != 2 {
		return nil, fmt.Errorf("serial: invalid stop bits %d", cfg.StopBits)
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}

	oldTermios, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	termios := *oldTermios
	if err := configure(&termios, cfg); err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set blocking: %w", err)
	}

	return &Port{
		fd:         fd,
		device:     cfg.Device,
		config:     cfg,
		oldTermios: oldTermios,
	}, nil
}

// configure puts termios into raw 8-bit mode with the configured parity and
// stop bits.
func configure(termios *unix.Termios, cfg Config) error {
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY | unix.INPCK
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	switch cfg.Parity {
	case ParityEven:
		termios.Cflag |= unix.PARENB
		termios.Iflag |= unix.INPCK
	case ParityOdd:
		termios.Cflag |= unix.PARENB | unix.PARODD
		termios.Iflag |= unix.INPCK
	}
	if cfg.StopBits == 2 {
		termios.Cflag |= unix.CSTOPB
	}

	speed, err := baudRateToSpeed(cfg.BaudRate)
	if err != nil {
		return err
	}
	setSpeed(termios, speed)

	// Reads are bounded by poll, not by VTIME.
	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 0
	return nil
}

// Read reads up to len(buf) bytes, waiting at most the read timeout for the
// first byte.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	timeout := p.config.ReadTimeout
	p.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("serial: poll: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return 0, io.EOF
	}

	n, err = unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	return n, nil
}

// Write writes buf to the line.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	n, err := unix.Write(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: write: %w", err)
	}
	return n, nil
}

// Close restores the original line settings and closes the device.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.oldTermios != nil {
		_ = unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.oldTermios)
	}
	return unix.Close(p.fd)
}

// Device returns the device path.
func (p *Port) Device() string {
	return p.device
}

// Config returns the line configuration in effect.
func (p *Port) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// SetReadTimeout sets the read timeout.
func (p *Port) SetReadTimeout(d time.Duration) {
	p.mu.Lock()
	p.config.ReadTimeout = d
	p.mu.Unlock()
}

// Flush discards any data in the input and output buffers.
func (p *Port) Flush() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	return unix.IoctlSetInt(fd, ioctlTCFlush, unix.TCIOFLUSH)
}

// baudRateToSpeed converts a baud rate to a termios speed constant. Modbus
// RTU lines run at standard rates only.
func baudRateToSpeed(baud int) (uint32, error) {
	speeds := map[int]uint32{
		300:    unix.B300,
		600:    unix.B600,
		1200:   unix.B1200,
		2400:   unix.B2400,
		4800:   unix.B4800,
		9600:   unix.B9600,
		19200:  unix.B19200,
		38400:  unix.B38400,
		57600:  unix.B57600,
		115200: unix.B115200,
		230400: unix.B230400,
	}
	if speed, ok := speeds[baud]; ok {
		return speed, nil
	}
	return 0, fmt.Errorf("serial: unsupported baud rate %d", baud)
}
