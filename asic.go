package winc1500

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/winc1500/m2m"
)

const (
	regGPReg2     = 0xc0008 // Pointer to efuse and OTA revision info.
	regIntrRxFlag = 1 << 16
	pinMuxIRQ     = 1 << 8
	glbResetCPU   = 1 << 10
	efuseLoaded   = 1 << 31

	// Config word written to NMI_GP_REG_1 during boot.
	confUsePMU = 1 << 1

	chipRev3A0 = 0x3a0
)

var (
	errBootTimeout = errors.New("winc1500: bootrom did not finish")
	errConfApply   = errors.New("winc1500: config word readback mismatch")
)

// FirmwareInfo describes the firmware running on the chip.
type FirmwareInfo struct {
	Firmware m2m.Revision
	// MinDriver is the oldest driver version the firmware supports.
	MinDriver m2m.Revision
}

// chipWake requests the chip to leave sleep and waits for its clocks.
// Called with d.mu held.
func (d *Device) chipWake() error {
	err := setBits(d.bus, m2m.HOST_CORT_COMM, 1)
	if err != nil {
		return err
	}
	err = setBits(d.bus, m2m.WAKE_CLK_REG, 2)
	if err != nil {
		return err
	}
	for trials := 0; ; trials++ {
		clk, err := d.bus.ReadReg(m2m.CLOCKS_EN_REG)
		if err != nil {
			return err
		}
		if clk&4 != 0 {
			break
		}
		if trials >= 4 {
			return m2m.ErrTimeOut
		}
		time.Sleep(2 * time.Millisecond)
	}
	// The bus may desynchronize while clocks come up.
	return d.bus.Reset()
}

// chipSleep lets the chip enter sleep once the firmware has released the
// host communication flag. Called with d.mu held.
func (d *Device) chipSleep() error {
	for i := 0; i < 100; i++ {
		reg, err := d.bus.ReadReg(m2m.CORT_HOST_COMM)
		if err != nil {
			return err
		}
		if reg&1 == 0 {
			break
		}
	}
	err := clearBits(d.bus, m2m.WAKE_CLK_REG, 2)
	if err != nil {
		return err
	}
	return clearBits(d.bus, m2m.HOST_CORT_COMM, 1)
}

// cpuStart releases the chip's CPU from reset so it runs the bootrom.
func (d *Device) cpuStart() error {
	for _, reg := range [...]uint32{m2m.BOOTROM_REG, m2m.NMI_STATE_REG, m2m.NMI_REV_REG} {
		err := d.bus.WriteReg(reg, 0)
		if err != nil {
			return err
		}
	}
	err := setBits(d.bus, m2m.NMI_CORTUS_CONTROL, 1)
	if err != nil {
		return err
	}
	reg, err := d.bus.ReadReg(m2m.NMI_GLB_RESET)
	if err != nil {
		return err
	}
	if reg&glbResetCPU != 0 {
		reg &^= glbResetCPU
		err = d.bus.WriteReg(m2m.NMI_GLB_RESET, reg)
		if err != nil {
			return err
		}
	}
	err = d.bus.WriteReg(m2m.NMI_GLB_RESET, reg|glbResetCPU)
	time.Sleep(time.Millisecond)
	return err
}

func (d *Device) waitForBootrom() error {
	for i := 0; ; i++ {
		reg, err := d.bus.ReadReg(m2m.EFUSE_STATUS_REG)
		if err != nil {
			return err
		}
		if reg&efuseLoaded != 0 {
			break
		}
		if i >= 1000 {
			return errjoin(m2m.ErrInit, errBootTimeout)
		}
		time.Sleep(time.Millisecond)
	}
	hostWait, err := d.bus.ReadReg(m2m.M2M_WAIT_HOST_REG)
	if err != nil {
		return err
	}
	if hostWait&1 == 0 {
		for i := 0; ; i++ {
			reg, err := d.bus.ReadReg(m2m.BOOTROM_REG)
			if err != nil {
				return err
			}
			if reg == m2m.M2M_FINISH_BOOT_ROM {
				break
			}
			if i >= 1000 {
				return errjoin(m2m.ErrInit, errBootTimeout)
			}
			time.Sleep(time.Millisecond)
		}
	}
	drv := uint32(m2m.DriverRevision.Encode())
	err = d.bus.WriteReg(m2m.NMI_STATE_REG, drv<<16|drv)
	if err != nil {
		return err
	}
	id, err := d.chipID()
	if err != nil {
		return err
	}
	var conf uint32
	if id&0xfff >= chipRev3A0 {
		conf |= confUsePMU
	}
	err = d.applyConf(conf)
	if err != nil {
		return err
	}
	return d.bus.WriteReg(m2m.BOOTROM_REG, m2m.M2M_START_FIRMWARE)
}

// applyConf writes the boot config word until it reads back unchanged.
func (d *Device) applyConf(conf uint32) error {
	for i := 0; i < 10; i++ {
		err := d.bus.WriteReg(m2m.NMI_GP_REG_1, conf)
		if err != nil {
			return err
		}
		if conf == 0 {
			return nil
		}
		got, err := d.bus.ReadReg(m2m.NMI_GP_REG_1)
		if err != nil {
			return err
		}
		if got == conf {
			return nil
		}
	}
	return errjoin(m2m.ErrInit, errConfApply)
}

func (d *Device) waitForFirmwareStart() error {
	for i := 0; ; i++ {
		reg, err := d.bus.ReadReg(m2m.NMI_STATE_REG)
		if err != nil {
			return err
		}
		if reg == m2m.M2M_FINISH_INIT_STATE {
			break
		}
		if i >= 500 {
			return m2m.ErrFirmware
		}
		time.Sleep(10 * time.Millisecond)
	}
	return d.bus.WriteReg(m2m.NMI_STATE_REG, 0)
}

func (d *Device) enableInterrupts() error {
	err := setBits(d.bus, m2m.NMI_PIN_MUX_0, pinMuxIRQ)
	if err != nil {
		return err
	}
	return setBits(d.bus, m2m.NMI_INTR_ENABLE, regIntrRxFlag)
}

// chipDeinit halts the chip's CPU. Called with d.mu held.
func (d *Device) chipDeinit() error {
	return clearBits(d.bus, m2m.NMI_GLB_RESET, glbResetCPU)
}

// ChipID returns the chip identification register. The low 12 bits hold the
// silicon revision.
func (d *Device) ChipID() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	span, err := d.wake()
	if err != nil {
		return 0, err
	}
	id, err := d.chipID()
	if err != nil {
		span.release()
		return 0, err
	}
	return id, span.sleep()
}

func (d *Device) chipID() (uint32, error) {
	id, err := d.bus.ReadReg(m2m.NMI_CHIPID)
	if err != nil {
		return 0, err
	}
	if id&m2m.CHIP_ID_MASK != m2m.CHIP_ID_WINC1500 {
		d.warn("chip:unexpected-id", slog.Uint64("id", uint64(id)))
	}
	return id, nil
}

// FirmwareVersion reads the firmware revision. If the firmware and this
// driver are incompatible the info is returned along with
// [m2m.ErrFwVerMismatch].
func (d *Device) FirmwareVersion() (info FirmwareInfo, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	span, err := d.wake()
	if err != nil {
		return info, err
	}
	defer span.sleep()
	reg, err := d.bus.ReadReg(m2m.NMI_REV_REG)
	if err != nil {
		span.release()
		return info, err
	}
	info.Firmware = m2m.DecodeRevision(uint16(reg))
	info.MinDriver = m2m.DecodeRevision(uint16(reg >> 16))
	if reg == 0 {
		return info, m2m.ErrFail
	}
	if m2m.DriverRevision.Less(info.MinDriver) || info.Firmware.Less(m2m.DriverRevision) {
		return info, m2m.ErrFwVerMismatch
	}
	return info, nil
}

// MACAddress returns the MAC address programmed in the chip's efuse.
func (d *Device) MACAddress() (mac [m2m.MAC_ADDRESS_LEN]byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	span, err := d.wake()
	if err != nil {
		return mac, err
	}
	defer span.sleep()
	ptr, err := d.bus.ReadReg(regGPReg2)
	if err != nil {
		span.release()
		return mac, err
	}
	var gp [8]byte
	err = d.bus.ReadBlock(ptr|0x30000, gp[:])
	if err != nil {
		span.release()
		return mac, err
	}
	mib := binary.LittleEndian.Uint32(gp[:4])
	err = d.bus.ReadBlock((mib&0xffff)|0x30000, mac[:])
	if err != nil {
		span.release()
	}
	return mac, err
}
