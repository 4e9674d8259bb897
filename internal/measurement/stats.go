package measurement

import "time"

type Statistics struct {
	Count       int       `json:"count"`
	MinTemp     float32   `json:"min_temp"`
	MaxTemp     float32   `json:"max_temp"`
	AvgTemp     float32   `json:"avg_temp"`
	MinHumi     float32   `json:"min_humi"`
	MaxHumi     float32   `json:"max_humi"`
	AvgHumi     float32   `json:"avg_humi"`
	MinTempTime time.Time `json:"min_temp_time"`
	MaxTempTime time.Time `json:"max_temp_time"`
	MinHumiTime time.Time `json:"min_humi_time"`
	MaxHumiTime time.Time `json:"max_humi_time"`
}

// Compute summarises records. Ties keep the earliest record.
func Compute(records []Record) Statistics {
	if len(records) == 0 {
		return Statistics{}
	}
	first := records[0]
	st := Statistics{
		Count:       len(records),
		MinTemp:     first.Temperature,
		MaxTemp:     first.Temperature,
		MinHumi:     first.Humidity,
		MaxHumi:     first.Humidity,
		MinTempTime: first.Timestamp,
		MaxTempTime: first.Timestamp,
		MinHumiTime: first.Timestamp,
		MaxHumiTime: first.Timestamp,
	}
	var sumT, sumH float64
	for _, r := range records {
		sumT += float64(r.Temperature)
		sumH += float64(r.Humidity)
		if r.Temperature < st.MinTemp {
			st.MinTemp, st.MinTempTime = r.Temperature, r.Timestamp
		}
		if r.Temperature > st.MaxTemp {
			st.MaxTemp, st.MaxTempTime = r.Temperature, r.Timestamp
		}
		if r.Humidity < st.MinHumi {
			st.MinHumi, st.MinHumiTime = r.Humidity, r.Timestamp
		}
		if r.Humidity > st.MaxHumi {
			st.MaxHumi, st.MaxHumiTime = r.Humidity, r.Timestamp
		}
	}
	st.AvgTemp = float32(sumT / float64(len(records)))
	st.AvgHumi = float32(sumH / float64(len(records)))
	return st
}
