package commands

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/formatlab/robodic/internal/bridge"
	"github.com/formatlab/robodic/internal/printer"
)

var portsBaudRate int

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and probe for the bridge",
	Long: `Ports lists every serial port on this machine and probes each one
for a bridge that answers the firmware version request. Use it to find the
value for arduino_settings.port, or to verify the wiring before a run.`,
	RunE: listPorts,
}

func init() {
	portsCmd.Flags().IntVar(&portsBaudRate, "baud", bridge.DefaultBaudRate, "serial baud rate to probe with")
	rootCmd.AddCommand(portsCmd)
}

func listPorts(cmd *cobra.Command, args []string) error {
	names, err := serial.GetPortsList()
	if err != nil {
		return printer.Error("Cannot enumerate serial ports", err.Error(), nil)
	}
	if len(names) == 0 {
		printer.Warning("No serial ports found\n")
		return nil
	}

	printer.Info("Serial ports:\n")
	for _, name := range names {
		printer.Printf("  %s\n", name)
	}

	printer.Step("Probing for the bridge...\n")
	found, err := bridge.DetectPort(portsBaudRate, 100*time.Millisecond, 2*time.Second)
	if err != nil {
		if errors.Is(err, bridge.ErrPortNotFound) {
			printer.Warning("No port answered the probe\n")
			return nil
		}
		return printer.Error("Probe failed", err.Error(), nil)
	}
	printer.Success("Bridge answered on %s\n", found)
	return nil
}
