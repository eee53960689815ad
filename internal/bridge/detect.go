package bridge

import (
	"fmt"
	"log"
	"time"

	"go.bug.st/serial"
)

// listPorts enumerates candidate serial devices. Overridable in tests.
var listPorts = serial.GetPortsList

// openTransport opens a candidate port. Overridable in tests.
var openTransport = func(portName string, baudRate int, ioTimeout time.Duration) (probeTransport, error) {
	return OpenFirmata(portName, baudRate, ioTimeout)
}

type probeTransport interface {
	Probe(timeout time.Duration) error
	Close() error
}

// DetectPort scans the available serial ports and returns the first one that
// answers the Firmata version probe. Best effort: ports that fail to open or
// stay silent are skipped. Returns ErrPortNotFound when the scan exhausts
// every candidate.
func DetectPort(baudRate int, ioTimeout, probeTimeout time.Duration) (string, error) {
	ports, err := listPorts()
	if err != nil {
		return "", fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("%w: no serial ports present", ErrPortNotFound)
	}
	for _, name := range ports {
		transport, err := openTransport(name, baudRate, ioTimeout)
		if err != nil {
			log.Printf("[Bridge] Port %s: %v", name, err)
			continue
		}
		err = transport.Probe(probeTimeout)
		transport.Close()
		if err != nil {
			log.Printf("[Bridge] Port %s did not answer probe: %v", name, err)
			continue
		}
		log.Printf("[Bridge] Signal device detected on port %s", name)
		return name, nil
	}
	return "", fmt.Errorf("%w: scanned %d port(s)", ErrPortNotFound, len(ports))
}
