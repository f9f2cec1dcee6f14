// Package serialport opens the sensor's USB serial link.
package serialport

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/kjstillabower/co2-monitor/internal/acquirer"
)

// Opener opens a serial device with 8N1 framing at a fixed baud rate.
type Opener struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
}

// Open opens the device and applies the read timeout so that Read returns (0, nil)
// when the line is idle.
func (o Opener) Open(ctx context.Context) (acquirer.Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := serial.Open(o.Device, &serial.Mode{
		BaudRate: o.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s at %d baud: %w", o.Device, o.BaudRate, err)
	}
	if o.ReadTimeout > 0 {
		if err := port.SetReadTimeout(o.ReadTimeout); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", o.Device, err)
		}
	}
	return port, nil
}

// List returns the serial devices present on the host.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
