package bridge

import (
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Firmata protocol bytes. Only the small subset the bridge needs: pin mode
// configuration, digital port reads/writes, and the firmware version probe
// used for port auto-detection.
const (
	firmataDigitalMessage = 0x90 // two data bytes: 14-bit port bitmask
	firmataReportDigital  = 0xD0 // one data byte: enable/disable port reporting
	firmataSetPinMode     = 0xF4
	firmataReportVersion  = 0xF9
	firmataStartSysex     = 0xF0
	firmataEndSysex       = 0xF7

	firmataPinModeInput  = 0x00
	firmataPinModeOutput = 0x01
)

// DefaultBaudRate is the standard Firmata serial rate.
const DefaultBaudRate = 57600

// serialPort is the slice of go.bug.st/serial.Port the transport uses.
// Narrowed to an interface so tests can script the device side.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// FirmataTransport implements Transport over a serial link to a board
// running Firmata firmware. Reads never block longer than the configured
// I/O timeout; incoming digital messages are drained on every read.
type FirmataTransport struct {
	mu        sync.Mutex
	port      serialPort
	ioTimeout time.Duration
	closed    bool

	inputs      map[int]Level // pin -> last reported level
	outputPorts map[int]uint16 // port index -> output bitmask
	pending     []byte         // partial message carried between drains
	versionSeen bool
}

// OpenFirmata opens the named serial port and prepares a Firmata transport
// on it. The caller should Probe before relying on the link.
func OpenFirmata(portName string, baudRate int, ioTimeout time.Duration) (*FirmataTransport, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, portName, err)
	}
	if err := port.SetReadTimeout(ioTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: set read timeout on %s: %v", ErrDeviceUnavailable, portName, err)
	}
	return newFirmataTransport(port, ioTimeout), nil
}

func newFirmataTransport(port serialPort, ioTimeout time.Duration) *FirmataTransport {
	return &FirmataTransport{
		port:        port,
		ioTimeout:   ioTimeout,
		inputs:      make(map[int]Level),
		outputPorts: make(map[int]uint16),
	}
}

// Probe requests the firmware version and waits for the reply. Used both at
// startup and as the auto-detect handshake: a device that answers within the
// timeout is running Firmata.
func (t *FirmataTransport) Probe(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrDeviceUnavailable
	}
	if err := t.send(firmataReportVersion); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := t.drain(); err != nil {
			return err
		}
		if t.versionSeen {
			return nil
		}
	}
	return fmt.Errorf("%w: no firmware version reply", ErrDeviceUnavailable)
}

// SetPinMode configures a pin as digital input or output. Input pins also
// get digital reporting enabled for their 8-pin port.
func (t *FirmataTransport) SetPinMode(pin int, dir Direction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrDeviceUnavailable
	}
	mode := byte(firmataPinModeOutput)
	if dir == Input {
		mode = firmataPinModeInput
	}
	if err := t.send(firmataSetPinMode, byte(pin), mode); err != nil {
		return err
	}
	if dir == Input {
		port := byte(pin / 8)
		if err := t.send(firmataReportDigital|port, 1); err != nil {
			return err
		}
	}
	return nil
}

// WritePin updates the output bitmask for the pin's port and transmits it.
func (t *FirmataTransport) WritePin(pin int, level Level) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrDeviceUnavailable
	}
	port := pin / 8
	mask := t.outputPorts[port]
	bit := uint16(1) << uint(pin%8)
	if level == High {
		mask |= bit
	} else {
		mask &^= bit
	}
	t.outputPorts[port] = mask
	return t.send(byte(firmataDigitalMessage|port), byte(mask&0x7F), byte(mask>>7))
}

// ReadPin drains any pending reports from the device and returns the last
// reported level for the pin. Unreported pins read LOW.
func (t *FirmataTransport) ReadPin(pin int) (Level, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Low, ErrDeviceUnavailable
	}
	if err := t.drain(); err != nil {
		return Low, err
	}
	return t.inputs[pin], nil
}

// Close shuts the serial port. Subsequent calls on the transport fail with
// ErrDeviceUnavailable.
func (t *FirmataTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.port.Close()
}

// send writes a raw message to the device. Callers hold the mutex.
func (t *FirmataTransport) send(message ...byte) error {
	if _, err := t.port.Write(message); err != nil {
		return fmt.Errorf("%w: serial write: %v", ErrDeviceUnavailable, err)
	}
	return nil
}

// drain reads whatever the device has buffered (bounded by the read timeout)
// and folds complete messages into the input pin states. Callers hold the
// mutex.
func (t *FirmataTransport) drain() error {
	buf := make([]byte, 64)
	n, err := t.port.Read(buf)
	if err != nil {
		return fmt.Errorf("%w: serial read: %v", ErrDeviceUnavailable, err)
	}
	if n == 0 {
		// Read timeout with nothing buffered.
		return nil
	}
	t.pending = append(t.pending, buf[:n]...)
	t.parsePending()
	return nil
}

// parsePending consumes complete messages from the pending buffer, leaving
// any trailing partial message for the next drain.
func (t *FirmataTransport) parsePending() {
	for len(t.pending) > 0 {
		b := t.pending[0]
		switch {
		case b == firmataStartSysex:
			end := -1
			for i, c := range t.pending {
				if c == firmataEndSysex {
					end = i
					break
				}
			}
			if end < 0 {
				return // incomplete sysex
			}
			t.pending = t.pending[end+1:]
		case b == firmataReportVersion:
			if len(t.pending) < 3 {
				return
			}
			t.versionSeen = true
			log.Printf("[Bridge] Firmata firmware version %d.%d", t.pending[1], t.pending[2])
			t.pending = t.pending[3:]
		case b&0xF0 == firmataDigitalMessage:
			if len(t.pending) < 3 {
				return
			}
			port := int(b & 0x0F)
			mask := uint16(t.pending[1]&0x7F) | uint16(t.pending[2]&0x7F)<<7
			for bit := 0; bit < 8; bit++ {
				t.inputs[port*8+bit] = Level(mask&(1<<uint(bit)) != 0)
			}
			t.pending = t.pending[3:]
		default:
			// Unknown or unsupported message byte: skip it.
			t.pending = t.pending[1:]
		}
	}
}
