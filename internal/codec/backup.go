package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vitaminmoo/turnstile-tool/internal/model"
)

// Card memory layout as returned by card_get_list:
//
//	[Slot - 8 bytes, repeated]
//	  bytes 0-3: card code (little-endian uint32)
//	  byte 4:    flags (bit 0 = enabled)
//	  bytes 5-7: reserved
//
// A slot whose code is FF FF FF FF terminates the table (erased flash).
// All-zero slots are unused and skipped.
const (
	SlotSize      = 8
	slotEndMarker = 0xFFFFFFFF
	slotFlagOn    = 0x01
)

// DecodeBackupPayload decodes a card memory dump. The raw bytes are kept
// unchanged in the result so the backup can be restored verbatim.
func DecodeBackupPayload(raw []byte, capturedAt time.Time) (model.ConfigBackup, error) {
	backup := model.ConfigBackup{
		Raw:        append([]byte(nil), raw...),
		CapturedAt: capturedAt,
		Slots:      []model.CardSlot{},
	}

	pos := 0
	for ; pos+SlotSize <= len(raw); pos += SlotSize {
		slot := raw[pos : pos+SlotSize]
		code := binary.LittleEndian.Uint32(slot[0:4])
		if code == slotEndMarker {
			return backup, nil
		}
		if isFill(slot, 0x00) {
			continue
		}
		backup.Slots = append(backup.Slots, model.CardSlot{
			Index:   pos / SlotSize,
			Code:    code,
			Enabled: slot[4]&slotFlagOn != 0,
		})
	}

	// Firmware pads the dump to its block size
	if tail := raw[pos:]; len(tail) > 0 && !isFill(tail, 0x00) && !isFill(tail, 0xFF) {
		return model.ConfigBackup{}, fmt.Errorf("card memory truncated: %d trailing bytes at offset %d", len(tail), pos)
	}
	return backup, nil
}

// EncodeBackupPayload lays out slots in card memory format followed by the
// end marker. Slot indexes are positional; Index fields are ignored.
func EncodeBackupPayload(slots []model.CardSlot) []byte {
	buf := make([]byte, (len(slots)+1)*SlotSize)
	for i, s := range slots {
		off := i * SlotSize
		binary.LittleEndian.PutUint32(buf[off:off+4], s.Code)
		if s.Enabled {
			buf[off+4] = slotFlagOn
		}
	}
	end := len(slots) * SlotSize
	for i := end; i < len(buf); i++ {
		buf[i] = 0xFF
	}
	return buf
}

func isFill(b []byte, fill byte) bool {
	for _, c := range b {
		if c != fill {
			return false
		}
	}
	return true
}
