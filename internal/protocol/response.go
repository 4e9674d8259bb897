package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Response codes (notify characteristic).
const (
	RespSuccess    byte = 0x00
	RespDeviceInfo byte = 0x10
	RespDataCount  byte = 0x20
	RespDataRange  byte = 0x21
	RespError      byte = 0xFF
)

const (
	dataRangeHeaderLen = 5
	recordLen          = 4
	deviceInfoMinLen   = 12
	deviceInfoAlarmEnd = 20
	deviceInfoBattEnd  = 21
	deviceInfoFwEnd    = 23
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrTruncatedFrame = errors.New("truncated frame")
)

// TruncatedError reports a data-range frame that carried fewer complete
// records than its header announced. It matches ErrTruncatedFrame.
type TruncatedError struct {
	Want int
	Got  int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("truncated frame: header announced %d records, %d complete", e.Want, e.Got)
}

func (e *TruncatedError) Is(target error) bool { return target == ErrTruncatedFrame }

// Response is one decoded notification.
type Response interface {
	ResponseCode() byte
}

type Success struct{}

// ErrorFrame is the device's generic failure answer. Code is 0 when the
// device sent no detail byte.
type ErrorFrame struct {
	Code byte
}

type DataCount struct {
	Total uint32
}

type DataRange struct {
	StartIndex uint16
	Records    []RawRecord
}

// AlarmThresholds are the device-configured alarm limits in °C and %RH.
type AlarmThresholds struct {
	MaxTemp float32
	MinTemp float32
	MaxHumi float32
	MinHumi float32
}

// DeviceInfo is the logger's metadata. Optional trailing fields are left
// at their zero value (nil/empty) when the device firmware omits them.
type DeviceInfo struct {
	IntervalMinutes uint16
	Unit            Unit
	StartTime       time.Time
	TotalRecords    uint32
	Alarms          *AlarmThresholds
	Battery         *uint8
	Firmware        string
}

func (Success) ResponseCode() byte    { return RespSuccess }
func (ErrorFrame) ResponseCode() byte { return RespError }
func (DataCount) ResponseCode() byte  { return RespDataCount }
func (DataRange) ResponseCode() byte  { return RespDataRange }
func (DeviceInfo) ResponseCode() byte { return RespDeviceInfo }

// DecodeResponse decodes one notification. For a short data-range frame it
// returns the records that fit together with a *TruncatedError.
func DecodeResponse(b []byte) (Response, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMalformedFrame)
	}
	switch b[0] {
	case RespSuccess:
		return Success{}, nil
	case RespError:
		var code byte
		if len(b) > 1 {
			code = b[1]
		}
		return ErrorFrame{Code: code}, nil
	case RespDataCount:
		if len(b) < 5 {
			return nil, fmt.Errorf("%w: data count needs 5 bytes, got %d", ErrMalformedFrame, len(b))
		}
		return DataCount{Total: binary.LittleEndian.Uint32(b[1:5])}, nil
	case RespDataRange:
		return decodeDataRange(b)
	case RespDeviceInfo:
		return decodeDeviceInfo(b)
	default:
		return nil, fmt.Errorf("%w: unknown response code 0x%02X", ErrMalformedFrame, b[0])
	}
}

func decodeDataRange(b []byte) (Response, error) {
	if len(b) < dataRangeHeaderLen {
		return nil, fmt.Errorf("%w: data range needs %d header bytes, got %d", ErrMalformedFrame, dataRangeHeaderLen, len(b))
	}
	start := binary.LittleEndian.Uint16(b[1:3])
	count := int(binary.LittleEndian.Uint16(b[3:5]))

	body := b[dataRangeHeaderLen:]
	fit := len(body) / recordLen
	if fit > count {
		fit = count
	}
	dr := DataRange{StartIndex: start, Records: make([]RawRecord, 0, fit)}
	for i := 0; i < fit; i++ {
		dr.Records = append(dr.Records, DecodeRecord(uint32(start)+uint32(i), body[i*recordLen:(i+1)*recordLen]))
	}
	if fit < count {
		return dr, &TruncatedError{Want: count, Got: fit}
	}
	return dr, nil
}

func decodeDeviceInfo(b []byte) (Response, error) {
	if len(b) < deviceInfoMinLen {
		return nil, fmt.Errorf("%w: device info needs %d bytes, got %d", ErrMalformedFrame, deviceInfoMinLen, len(b))
	}
	info := DeviceInfo{
		IntervalMinutes: binary.LittleEndian.Uint16(b[1:3]),
		Unit:            Unit(b[3]),
		StartTime:       time.Unix(int64(binary.LittleEndian.Uint32(b[4:8])), 0).UTC(),
		TotalRecords:    binary.LittleEndian.Uint32(b[8:12]),
	}
	if len(b) >= deviceInfoAlarmEnd {
		info.Alarms = &AlarmThresholds{
			MaxTemp: centi(b[12:14]),
			MinTemp: centi(b[14:16]),
			MaxHumi: centi(b[16:18]),
			MinHumi: centi(b[18:20]),
		}
	}
	if len(b) >= deviceInfoBattEnd {
		batt := b[20]
		info.Battery = &batt
	}
	if len(b) >= deviceInfoFwEnd {
		info.Firmware = fmt.Sprintf("%d.%d", b[21], b[22])
	}
	return info, nil
}
