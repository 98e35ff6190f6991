package winc1500

import (
	"encoding/binary"
	"log/slog"

	"github.com/soypat/winc1500/m2m"
)

// OTAEventKind identifies an OTA event.
type OTAEventKind uint8

const (
	// OTAEventUpdateInfo carries the response to a check for update.
	OTAEventUpdateInfo OTAEventKind = iota + 1
	// OTAEventUpdateStatus reports progress of a download, switch or rollback.
	OTAEventUpdateStatus
)

// OTAEvent is delivered to the OTAHandler.
type OTAEvent struct {
	Kind   OTAEventKind
	Status m2m.OTAStatus
	// Info is the raw update information. Only valid during the handler call.
	Info []byte
}

// OTAHandler receives OTA events. It must not retain ev.
type OTAHandler func(ev *OTAEvent)

const otaInfoMax = 256

func (d *Device) otaRequest(opcode uint8, ctrl []byte) error {
	return d.HIFSend(m2m.GroupOTA, opcode, ctrl, nil, 0)
}

func (d *Device) otaURLRequest(opcode uint8, url string) error {
	if len(url) == 0 || len(url) >= m2m.OTA_URL_MAX {
		return m2m.ErrInvalidArg
	}
	var ctrl [m2m.OTA_URL_MAX]byte
	n := copy(ctrl[:], url)
	return d.otaRequest(opcode, ctrl[:n+1])
}

// OTASetNotifyURL sets the URL checked for firmware updates.
func (d *Device) OTASetNotifyURL(url string) error {
	return d.otaURLRequest(m2m.OTA_REQ_NOTIF_SET_URL, url)
}

// OTACheckForUpdate checks the notify URL. The result is delivered in an
// OTAEventUpdateInfo event.
func (d *Device) OTACheckForUpdate() error {
	return d.otaRequest(m2m.OTA_REQ_NOTIF_CHECK_FOR_UPDATE, nil)
}

// OTASchedule makes the chip check for updates every periodDays days.
func (d *Device) OTASchedule(periodDays uint32) error {
	var ctrl [4]byte
	binary.LittleEndian.PutUint32(ctrl[:], periodDays)
	return d.otaRequest(m2m.OTA_REQ_NOTIF_SCHED, ctrl[:])
}

// OTAStartUpdate downloads the firmware image at url to the inactive
// partition. Progress is reported in OTAEventUpdateStatus events.
func (d *Device) OTAStartUpdate(url string) error {
	return d.otaURLRequest(m2m.OTA_REQ_START_FW_UPDATE, url)
}

// OTASwitchFirmware makes the downloaded image active on the next reset.
func (d *Device) OTASwitchFirmware() error {
	return d.otaRequest(m2m.OTA_REQ_SWITCH_FIRMWARE, nil)
}

// OTARollback makes the previous image active on the next reset.
func (d *Device) OTARollback() error {
	return d.otaRequest(m2m.OTA_REQ_ROLLBACK_FW, nil)
}

func (d *Device) OTAAbort() error {
	return d.otaRequest(m2m.OTA_REQ_ABORT, nil)
}

// otaEvent handles packets on GroupOTA.
func (d *Device) otaEvent(opcode uint8, size uint16, addr uint32) {
	var ev OTAEvent
	var buf [otaInfoMax]byte
	switch opcode {
	case m2m.OTA_RESP_NOTIF_UPDATE_INFO:
		n := min(int(size), len(buf))
		if n == 0 || d.HIFReceive(addr, buf[:n], true) != nil {
			return
		}
		ev.Kind = OTAEventUpdateInfo
		ev.Info = buf[:n]
	case m2m.OTA_RESP_UPDATE_STATUS:
		if d.HIFReceive(addr, buf[:m2m.OTA_STATUS_SIZE], true) != nil {
			return
		}
		status, err := m2m.DecodeOTAStatus(buf[:])
		if err != nil {
			return
		}
		ev.Kind = OTAEventUpdateStatus
		ev.Status = status
		d.info("ota:status", slog.Int("type", int(status.Type)), slog.Int("status", int(status.Status)))
	default:
		d.debug("ota:unhandled-op", slog.Int("op", int(opcode)))
		return
	}
	d.wmu.Lock()
	h := d.ota
	d.wmu.Unlock()
	if h != nil {
		h(&ev)
	}
}
