// package winc1500 implements a host driver for the Microchip ATWINC1500
// Wi-Fi network controller. The chip runs the TCP/IP stack in firmware and is
// driven through the host interface (HIF), a packet protocol carried over a
// register and memory [Bus].
//
// Requests are sent synchronously and their results arrive as events. Events
// are processed by calling [Device.HandleEvents], either after
// [Device.Interrupt] is signalled by the chip's IRQ line or periodically when
// configured with NoIRQ.
package winc1500

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/winc1500/m2m"
)

// wifiState gates the availability of the socket and Wi-Fi APIs.
type wifiState uint8

const (
	stateDeinit wifiState = iota
	stateInit
	stateStarted
)

func (s wifiState) String() (str string) {
	switch s {
	case stateDeinit:
		str = "deinit"
	case stateInit:
		str = "init"
	case stateStarted:
		str = "started"
	default:
		str = "unknown"
	}
	return str
}

var errNotStarted = errors.New("winc1500: device not started")

// Config configures a Device on Init.
type Config struct {
	Logger *slog.Logger
	// WifiHandler receives Wi-Fi events. May be nil.
	WifiHandler WifiHandler
	// OTAHandler receives OTA notifications and update status. May be nil.
	OTAHandler OTAHandler
	// PowerSave is the power save mode set after the firmware starts.
	PowerSave m2m.PowerSaveMode
	// NoIRQ makes HandleEvents poll the chip for received packets instead of
	// relying on calls to Interrupt.
	NoIRQ bool
}

type Device struct {
	// mu is the HIF lock. It guards hif and is held while a packet is
	// written to the chip or read from its receive buffer.
	mu sync.Mutex
	// evmu serializes HandleEvents.
	evmu          sync.Mutex
	bus           Bus
	resetPin      func(bool)
	logger        *slog.Logger
	_traceenabled bool
	noIRQ         bool
	irq           atomic.Bool
	hif           hifContext
	hdrbuf        [m2m.HIF_HDR_SIZE]byte

	// wmu guards wifi.
	wmu  sync.Mutex
	wifi wifiContext
	ota  OTAHandler

	// smu guards the socket table. Never held while a handler runs.
	smu  sync.Mutex
	sock socketContext
}

// New returns a Device using bus for chip access. resetPin drives the chip's
// RESET_N line and may be nil if the line is not wired to the host.
func New(bus Bus, resetPin func(bool)) *Device {
	return &Device{
		bus:      bus,
		resetPin: resetPin,
	}
}

// Init resets the chip, boots its firmware and enables the host interface.
// If the firmware version is incompatible with this driver Init returns an
// error wrapping [m2m.ErrFwVerMismatch] with the device left started.
func (d *Device) Init(cfg Config) (err error) {
	d.logger = cfg.Logger
	d._traceenabled = d.logger != nil && d.logger.Handler().Enabled(context.Background(), levelTrace)
	d.noIRQ = cfg.NoIRQ
	d.info("Init:start")
	start := time.Now()

	d.mu.Lock()
	err = d.initHold()
	if err == nil {
		err = d.initStart()
	}
	if err == nil {
		d.hifInit()
	}
	d.mu.Unlock()
	if err != nil {
		d.logerr("Init:failed", errAttr(err))
		return err
	}

	d.wmu.Lock()
	d.wifi = wifiContext{state: stateStarted, handler: cfg.WifiHandler}
	d.ota = cfg.OTAHandler
	d.wmu.Unlock()
	d.socketInit()

	fw, err := d.FirmwareVersion()
	if err != nil && !errors.Is(err, m2m.ErrFwVerMismatch) {
		return err
	}
	if err != nil {
		d.logerr("Init:firmware-mismatch",
			slog.String("fw", fw.Firmware.String()),
			slog.String("minDriver", fw.MinDriver.String()),
			slog.String("driver", m2m.DriverRevision.String()),
		)
		return err
	}
	if cfg.PowerSave != m2m.PSNone {
		err = d.SetSleepMode(cfg.PowerSave, true)
		if err != nil {
			return err
		}
	}
	d.info("Init:done", slog.Duration("took", time.Since(start)), slog.String("fw", fw.Firmware.String()))
	return nil
}

// initHold resets the chip and configures the bus. The chip is left with its
// CPU halted.
func (d *Device) initHold() error {
	d.hardReset()
	err := d.bus.Init()
	if err != nil {
		return errjoin(errors.New("winc1500: bus init"), err)
	}
	d.wmu.Lock()
	d.wifi.state = stateInit
	d.wmu.Unlock()
	return nil
}

// initStart boots the firmware and waits for it to signal readiness.
func (d *Device) initStart() error {
	d.debug("Init:cpu-start")
	err := d.cpuStart()
	if err != nil {
		return err
	}
	d.debug("Init:wait-bootrom")
	err = d.waitForBootrom()
	if err != nil {
		return err
	}
	d.debug("Init:wait-firmware")
	err = d.waitForFirmwareStart()
	if err != nil {
		return err
	}
	return d.enableInterrupts()
}

// Deinit stops the chip. Init must be called before using d again.
func (d *Device) Deinit() error {
	d.wmu.Lock()
	d.wifi.state = stateDeinit
	d.wmu.Unlock()
	d.smu.Lock()
	d.sock = socketContext{}
	d.smu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.hif = hifContext{}
	err := d.chipDeinit()
	if d.resetPin != nil {
		d.resetPin(false)
	}
	return err
}

// hardReset pulses the RESET_N line if it is wired.
func (d *Device) hardReset() {
	if d.resetPin == nil {
		return
	}
	d.resetPin(false)
	time.Sleep(time.Millisecond)
	d.resetPin(true)
	time.Sleep(10 * time.Millisecond)
}

func (d *Device) state() wifiState {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	return d.wifi.state
}

// errjoin joins a context error with its cause.
func errjoin(ctx, cause error) error {
	return errors.Join(ctx, cause)
}
