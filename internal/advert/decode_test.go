package advert

import (
	"math"
	"testing"
	"time"
)

func TestDecode_RoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	values := [][2]float32{
		{21.5, 45.25},
		{-5, 0},
		{-40.125, 100},
		{0, 0},
		{math.MaxFloat32, math.SmallestNonzeroFloat32},
	}
	for _, v := range values {
		got, ok := Decode(Frame{CompanyID: DefaultCompanyID, Payload: Encode(v[0], v[1])}, DefaultCompanyID, now)
		if !ok {
			t.Fatalf("Decode(%v) ok = false; want true", v)
		}
		if got.Temperature != v[0] || got.Humidity != v[1] {
			t.Errorf("Decode(%v) = %v/%v", v, got.Temperature, got.Humidity)
		}
		if !got.ObservedAt.Equal(now) {
			t.Errorf("ObservedAt = %v; want %v", got.ObservedAt, now)
		}
	}
}

func TestDecode_Rejects(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		frame Frame
	}{
		{name: "wrong company", frame: Frame{CompanyID: 0xFFFF, Payload: Encode(20, 50)}},
		{name: "empty payload", frame: Frame{CompanyID: DefaultCompanyID}},
		{name: "9 bytes", frame: Frame{CompanyID: DefaultCompanyID, Payload: Encode(20, 50)[:9]}},
		{name: "2 bytes", frame: Frame{CompanyID: DefaultCompanyID, Payload: []byte{0x01, 0x02}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Decode(tt.frame, DefaultCompanyID, now)
			if ok {
				t.Fatalf("Decode() ok = true; want false (got %+v)", got)
			}
			if got != (LiveReading{}) {
				t.Errorf("Decode() = %+v; want zero reading", got)
			}
		})
	}
}

func TestDecode_IgnoresReservedAndTrailingBytes(t *testing.T) {
	p := Encode(19.75, 61.5)
	p[0], p[1] = 0xAB, 0xCD
	p = append(p, 0x01, 0x02, 0x03)
	got, ok := Decode(Frame{CompanyID: 0x1234, Payload: p}, 0x1234, time.Time{})
	if !ok {
		t.Fatal("Decode() ok = false; want true")
	}
	if got.Temperature != 19.75 || got.Humidity != 61.5 {
		t.Errorf("Decode() = %+v", got)
	}
}

func TestDecode_Deterministic(t *testing.T) {
	f := Frame{CompanyID: DefaultCompanyID, Payload: Encode(1.5, 2.5)}
	ts := time.Unix(1700000000, 0)
	a, _ := Decode(f, DefaultCompanyID, ts)
	b, _ := Decode(f, DefaultCompanyID, ts)
	if a != b {
		t.Errorf("Decode not deterministic: %+v vs %+v", a, b)
	}
}
