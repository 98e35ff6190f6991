//go:build rp2040 || rp2350

package winc1500

import (
	"machine"

	pio "github.com/tinygo-org/pio/rp2-pio"
	"github.com/tinygo-org/pio/rp2-pio/piolib"
	"github.com/soypat/winc1500/nmspi"
)

// Pins holds the RP2 pins wired to a WINC1500 module.
type Pins struct {
	SCK, SDO, SDI machine.Pin
	CS            machine.Pin
	Reset         machine.Pin
	// Chip enable. Pulled high during initialization if not NoPin.
	Enable machine.Pin
	// IRQ is the active low interrupt line. If NoPin the device must be
	// polled and Config.NoIRQ set.
	IRQ machine.Pin
	// Wake is driven high if not NoPin.
	Wake machine.Pin
}

// NewRP2Device returns a Device talking to the chip over a PIO SPI
// peripheral. The returned device must still be initialized.
func NewRP2Device(pins Pins, freq uint32) *Device {
	if freq == 0 {
		freq = 12_000_000
	}
	out := machine.PinConfig{Mode: machine.PinOutput}
	pins.CS.Configure(out)
	pins.CS.High()
	pins.Reset.Configure(out)
	for _, p := range [...]machine.Pin{pins.Enable, pins.Wake} {
		if p != machine.NoPin {
			p.Configure(out)
			p.High()
		}
	}
	sm, err := pio.PIO0.ClaimStateMachine()
	if err != nil {
		panic(err.Error())
	}
	spi, err := piolib.NewSPI(sm, machine.SPIConfig{
		Frequency: freq,
		SCK:       pins.SCK,
		SDO:       pins.SDO,
		SDI:       pins.SDI,
		Mode:      0,
	})
	if err != nil {
		panic(err.Error())
	}
	bus := nmspi.New(spi, func(level bool) { pins.CS.Set(level) }, nmspi.Config{})
	dev := New(bus, pins.Reset.Set)
	if pins.IRQ != machine.NoPin {
		pins.IRQ.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
		err = pins.IRQ.SetInterrupt(machine.PinFalling, func(machine.Pin) {
			dev.Interrupt()
		})
		if err != nil {
			panic(err.Error())
		}
	}
	return dev
}
