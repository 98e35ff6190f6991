package winc1500

import (
	"github.com/soypat/winc1500/m2m"
	"golang.org/x/exp/constraints"
)

// Bus gives register and memory access to the chip. Implementations serialize
// their own transfers and retry failed ones; an error returned by a Bus
// should wrap [m2m.ErrBusFail] once retries are exhausted.
//
// [nmspi.Bus] implements Bus over SPI and [serialbridge.Bus] over a UART
// bridge firmware.
type Bus interface {
	// Init configures the bus protocol. Called after every chip reset.
	Init() error
	// Reset resynchronizes the bus after the chip wakes from sleep.
	Reset() error
	ReadReg(addr uint32) (uint32, error)
	WriteReg(addr, v uint32) error
	ReadBlock(addr uint32, buf []byte) error
	WriteBlock(addr uint32, buf []byte) error
}

// setBits reads the register at addr, sets the bits in mask and writes it back.
func setBits(b Bus, addr, mask uint32) error {
	v, err := b.ReadReg(addr)
	if err != nil {
		return err
	}
	return b.WriteReg(addr, v|mask)
}

// clearBits reads the register at addr, clears the bits in mask and writes it back.
func clearBits(b Bus, addr, mask uint32) error {
	v, err := b.ReadReg(addr)
	if err != nil {
		return err
	}
	return b.WriteReg(addr, v&^mask)
}

// hifLen returns the total HIF packet length for a request with the given
// control and data sizes. Data, when present, is placed dataOffset bytes after
// the packet header padding.
func hifLen[T constraints.Integer](ctrlSize, dataSize, dataOffset T) int {
	if dataSize > 0 {
		return m2m.HIF_HDR_OFFSET + int(dataOffset) + int(dataSize)
	}
	return m2m.HIF_HDR_OFFSET + int(ctrlSize)
}

func absdiff[T constraints.Integer](a, b T) T {
	if a > b {
		return a - b
	}
	return b - a
}
