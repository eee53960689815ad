package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/formatlab/robodic/internal/bridge"
	"github.com/formatlab/robodic/internal/printer"
)

var (
	blinkPort     string
	blinkPin      int
	blinkTimes    int
	blinkInterval time.Duration
)

var blinkCmd = &cobra.Command{
	Use:   "blink",
	Short: "Toggle an output pin as a bridge self-test",
	Long: `Blink toggles a single output pin HIGH and LOW on the bridge.
Wire an LED (or watch the robot input) to confirm the serial link and the
pin assignment before starting an experiment.`,
	RunE: blinkPinCmd,
}

func init() {
	blinkCmd.Flags().StringVar(&blinkPort, "port", "", "serial port of the bridge (required)")
	blinkCmd.Flags().IntVar(&blinkPin, "pin", 13, "pin number to toggle")
	blinkCmd.Flags().IntVar(&blinkTimes, "times", 5, "number of HIGH/LOW cycles")
	blinkCmd.Flags().DurationVar(&blinkInterval, "interval", 500*time.Millisecond, "time between toggles")
	_ = blinkCmd.MarkFlagRequired("port")
	rootCmd.AddCommand(blinkCmd)
}

func blinkPinCmd(cmd *cobra.Command, args []string) error {
	transport, err := bridge.OpenFirmata(blinkPort, bridge.DefaultBaudRate, 100*time.Millisecond)
	if err != nil {
		return printer.Error("Cannot open serial port", err.Error(), []string{
			fmt.Sprintf("Check that %s exists and is not in use", blinkPort),
		})
	}
	defer transport.Close()

	if err := transport.SetPinMode(blinkPin, bridge.Output); err != nil {
		return printer.Error("Cannot configure pin", err.Error(), nil)
	}

	printer.Step("Blinking pin %d on %s %d time(s)\n", blinkPin, blinkPort, blinkTimes)
	for i := 0; i < blinkTimes; i++ {
		if err := transport.WritePin(blinkPin, bridge.High); err != nil {
			return printer.Error("Write failed", err.Error(), nil)
		}
		time.Sleep(blinkInterval)
		if err := transport.WritePin(blinkPin, bridge.Low); err != nil {
			return printer.Error("Write failed", err.Error(), nil)
		}
		time.Sleep(blinkInterval)
	}
	printer.Success("Blink finished\n")
	return nil
}
