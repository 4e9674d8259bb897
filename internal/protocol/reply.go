package protocol

import (
	"encoding/binary"
	"math"
)

// The helpers below build device-side notifications. The gateway never sends
// them; they back the device simulator used in tests.

func EncodeDataCount(total uint32) []byte {
	b := []byte{RespDataCount}
	return binary.LittleEndian.AppendUint32(b, total)
}

// EncodeDataRange announces len(recs) records starting at start.
func EncodeDataRange(start uint16, recs []RawRecord) []byte {
	b := make([]byte, 0, dataRangeHeaderLen+len(recs)*recordLen)
	b = append(b, RespDataRange)
	b = binary.LittleEndian.AppendUint16(b, start)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(recs)))
	for _, r := range recs {
		b = AppendRecord(b, r)
	}
	return b
}

func EncodeDeviceInfo(info DeviceInfo) []byte {
	b := []byte{RespDeviceInfo}
	b = binary.LittleEndian.AppendUint16(b, info.IntervalMinutes)
	b = append(b, byte(info.Unit))
	b = binary.LittleEndian.AppendUint32(b, uint32(info.StartTime.Unix()))
	b = binary.LittleEndian.AppendUint32(b, info.TotalRecords)
	if info.Alarms == nil {
		return b
	}
	for _, v := range []float32{info.Alarms.MaxTemp, info.Alarms.MinTemp, info.Alarms.MaxHumi, info.Alarms.MinHumi} {
		b = binary.LittleEndian.AppendUint16(b, uint16(int16(math.Round(float64(v)*100))))
	}
	if info.Battery == nil {
		return b
	}
	return append(b, *info.Battery)
}
