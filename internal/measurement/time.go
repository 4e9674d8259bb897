package measurement

import "time"

const millisPerMinute = 60_000

// TimestampMillis returns the sample time of record index on a device that
// started logging at startMs with the given interval.
func TimestampMillis(startMs int64, index, intervalMinutes uint32) int64 {
	return startMs + int64(index)*int64(intervalMinutes)*millisPerMinute
}

func Timestamp(start time.Time, index, intervalMinutes uint32) time.Time {
	return time.UnixMilli(TimestampMillis(start.UnixMilli(), index, intervalMinutes)).UTC()
}
