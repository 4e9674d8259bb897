// Package protocol encodes commands written to the logger's control characteristic
// and decodes the notifications it answers with. All multi-byte integers are little-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command opcodes (write characteristic).
const (
	OpGetDeviceInfo byte = 0x10
	OpSetInterval   byte = 0x11
	OpSetTempUnit   byte = 0x12
	OpGetDataCount  byte = 0x20
	OpGetDataRange  byte = 0x21
	OpClearData     byte = 0x30
	OpStartLogging  byte = 0x40
	OpStopLogging   byte = 0x41
)

// Logging interval bounds accepted by the device, in minutes.
const (
	MinIntervalMinutes = 1
	MaxIntervalMinutes = 60
)

var ErrInvalidCommand = errors.New("invalid command")

// argLen is the exact argument length for every known opcode.
var argLen = map[byte]int{
	OpGetDeviceInfo: 0,
	OpSetInterval:   2,
	OpSetTempUnit:   1,
	OpGetDataCount:  0,
	OpGetDataRange:  4,
	OpClearData:     0,
	OpStartLogging:  0,
	OpStopLogging:   0,
}

// CommandFrame is one outbound request before it is put on the wire.
type CommandFrame struct {
	Opcode byte
	Args   []byte
}

// Unit is the temperature unit the device displays and stores in.
type Unit byte

const (
	UnitCelsius    Unit = 0
	UnitFahrenheit Unit = 1
)

func (u Unit) String() string {
	switch u {
	case UnitCelsius:
		return "C"
	case UnitFahrenheit:
		return "F"
	default:
		return fmt.Sprintf("Unit(%d)", byte(u))
	}
}

// ParseUnit accepts "C"/"F" (any case) or the Celsius/Fahrenheit names.
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "C", "c", "celsius":
		return UnitCelsius, nil
	case "F", "f", "fahrenheit":
		return UnitFahrenheit, nil
	default:
		return 0, fmt.Errorf("invalid temperature unit %q (allowed: C, F)", s)
	}
}

// Encode lays out a command as [opcode][args...].
func Encode(c CommandFrame) ([]byte, error) {
	n, ok := argLen[c.Opcode]
	if !ok {
		return nil, fmt.Errorf("%w: unknown opcode 0x%02X", ErrInvalidCommand, c.Opcode)
	}
	if len(c.Args) != n {
		return nil, fmt.Errorf("%w: opcode 0x%02X takes %d arg bytes, got %d", ErrInvalidCommand, c.Opcode, n, len(c.Args))
	}
	out := make([]byte, 1+len(c.Args))
	out[0] = c.Opcode
	copy(out[1:], c.Args)
	return out, nil
}

func GetDeviceInfo() CommandFrame { return CommandFrame{Opcode: OpGetDeviceInfo} }

func GetDataCount() CommandFrame { return CommandFrame{Opcode: OpGetDataCount} }

func ClearData() CommandFrame { return CommandFrame{Opcode: OpClearData} }

func StartLogging() CommandFrame { return CommandFrame{Opcode: OpStartLogging} }

func StopLogging() CommandFrame { return CommandFrame{Opcode: OpStopLogging} }

// SetInterval rejects intervals outside MinIntervalMinutes..MaxIntervalMinutes.
func SetInterval(minutes uint16) (CommandFrame, error) {
	if minutes < MinIntervalMinutes || minutes > MaxIntervalMinutes {
		return CommandFrame{}, fmt.Errorf("%w: interval %d min out of range %d-%d",
			ErrInvalidCommand, minutes, MinIntervalMinutes, MaxIntervalMinutes)
	}
	args := make([]byte, 2)
	binary.LittleEndian.PutUint16(args, minutes)
	return CommandFrame{Opcode: OpSetInterval, Args: args}, nil
}

func SetTempUnit(u Unit) (CommandFrame, error) {
	if u != UnitCelsius && u != UnitFahrenheit {
		return CommandFrame{}, fmt.Errorf("%w: unit %d", ErrInvalidCommand, byte(u))
	}
	return CommandFrame{Opcode: OpSetTempUnit, Args: []byte{byte(u)}}, nil
}

// GetDataRange asks for count records starting at start.
func GetDataRange(start, count uint16) CommandFrame {
	args := make([]byte, 4)
	binary.LittleEndian.PutUint16(args[0:2], start)
	binary.LittleEndian.PutUint16(args[2:4], count)
	return CommandFrame{Opcode: OpGetDataRange, Args: args}
}

// MustEncode is Encode for frames built by the helpers above, which are always valid.
func MustEncode(c CommandFrame) []byte {
	b, err := Encode(c)
	if err != nil {
		panic(err)
	}
	return b
}
