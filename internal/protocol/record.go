package protocol

import "encoding/binary"

// RawRecord is one stored measurement as the device reports it: signed
// hundredths of a degree Celsius and of a percent relative humidity.
type RawRecord struct {
	Index   uint32
	RawTemp int16
	RawHumi int16
}

func (r RawRecord) Temperature() float32 { return float32(r.RawTemp) / 100.0 }

func (r RawRecord) Humidity() float32 { return float32(r.RawHumi) / 100.0 }

// DecodeRecord reads [t0,t1,h0,h1]. b must hold at least 4 bytes.
func DecodeRecord(index uint32, b []byte) RawRecord {
	return RawRecord{
		Index:   index,
		RawTemp: int16(binary.LittleEndian.Uint16(b[0:2])),
		RawHumi: int16(binary.LittleEndian.Uint16(b[2:4])),
	}
}

// AppendRecord is the inverse of DecodeRecord.
func AppendRecord(dst []byte, r RawRecord) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(r.RawTemp))
	return binary.LittleEndian.AppendUint16(dst, uint16(r.RawHumi))
}

func centi(b []byte) float32 {
	return float32(int16(binary.LittleEndian.Uint16(b))) / 100.0
}
