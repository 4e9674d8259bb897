package measurement

import "thlogger-gateway/internal/protocol"

type AlarmStatus string

const (
	AlarmNormal  AlarmStatus = "normal"
	AlarmWarning AlarmStatus = "warning"
	AlarmAlarm   AlarmStatus = "alarm"
)

type AlarmCheck struct {
	Temperature AlarmStatus `json:"temperature"`
	Humidity    AlarmStatus `json:"humidity"`
}

// warningBand is the share of the threshold span next to each limit that
// reports a warning.
const warningBand = 0.1

func CheckAlarm(r Record, t protocol.AlarmThresholds) AlarmCheck {
	return AlarmCheck{
		Temperature: classify(r.Temperature, t.MinTemp, t.MaxTemp),
		Humidity:    classify(r.Humidity, t.MinHumi, t.MaxHumi),
	}
}

func classify(v, lo, hi float32) AlarmStatus {
	if hi <= lo {
		return AlarmNormal
	}
	if v < lo || v > hi {
		return AlarmAlarm
	}
	margin := (hi - lo) * warningBand
	if v <= lo+margin || v >= hi-margin {
		return AlarmWarning
	}
	return AlarmNormal
}
