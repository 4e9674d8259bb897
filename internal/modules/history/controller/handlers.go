package controller

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"thlogger-gateway/internal/ble"
	"thlogger-gateway/internal/device"
	"thlogger-gateway/internal/download"
	"thlogger-gateway/internal/export"
	"thlogger-gateway/internal/measurement"
	"thlogger-gateway/internal/modules/history/repository"
	"thlogger-gateway/internal/modules/history/service"
	"thlogger-gateway/internal/modules/history/types"
	"thlogger-gateway/internal/protocol"
	"thlogger-gateway/internal/utils"
)

type deviceView struct {
	types.Device
	Live *ble.Live `json:"live,omitempty"`
}

func (c *historyControllerImpl) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := c.repository.GetDevices(r.Context())
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	seen := c.live.Devices()
	live := make(map[string]ble.Live, len(seen))
	for _, l := range seen {
		live[l.DeviceID] = l
	}

	out := make([]deviceView, 0, len(devices)+len(live))
	for _, d := range devices {
		v := deviceView{Device: d}
		if l, ok := live[d.ID]; ok {
			v.Live = &l
			delete(live, d.ID)
		}
		out = append(out, v)
	}
	// Loggers heard on air but never downloaded.
	for _, l := range seen {
		if _, ok := live[l.DeviceID]; !ok {
			continue
		}
		out = append(out, deviceView{Device: types.Device{ID: l.DeviceID, Name: l.LocalName}, Live: &l})
	}
	utils.WriteJSON(w, http.StatusOK, out)
}

func (c *historyControllerImpl) handleLive(w http.ResponseWriter, r *http.Request) {
	id := deviceID(r)
	l, ok := c.live.Latest(id)
	if !ok {
		utils.WriteError(w, http.StatusNotFound, "no advertisement seen from "+id)
		return
	}
	utils.WriteJSON(w, http.StatusOK, l)
}

func (c *historyControllerImpl) handleMeasurements(w http.ResponseWriter, r *http.Request) {
	id := deviceID(r)
	if id == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing device id")
		return
	}
	from, to, err := parseWindow(r, c.now().UTC(), measurement.AllTime)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parsePaging(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	total, err := c.repository.CountMeasurements(r.Context(), id, from, to)
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	records, err := c.repository.GetMeasurements(r.Context(), id, from, to, limit, offset)
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.WriteJSON(w, http.StatusOK, types.MeasurementPage{
		DeviceID: id,
		From:     zeroAsNil(from),
		To:       zeroAsNil(to),
		Total:    total,
		Limit:    limit,
		Offset:   offset,
		Records:  records,
	})
}

type alarmSummary struct {
	Thresholds protocol.AlarmThresholds `json:"thresholds"`
	Warning    int                      `json:"warning"`
	Alarm      int                      `json:"alarm"`
}

type statisticsResponse struct {
	DeviceID   string                 `json:"device_id"`
	From       *time.Time             `json:"from,omitempty"`
	To         *time.Time             `json:"to,omitempty"`
	Statistics measurement.Statistics `json:"statistics"`
	OutOfRange int                    `json:"out_of_range"`
	Alarms     *alarmSummary          `json:"alarms,omitempty"`
	Truncated  bool                   `json:"truncated,omitempty"`
}

func (c *historyControllerImpl) handleStatistics(w http.ResponseWriter, r *http.Request) {
	id := deviceID(r)
	from, to, err := parseWindow(r, c.now().UTC(), measurement.AllTime)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := c.repository.GetMeasurements(r.Context(), id, from, to, statsLimit+1, 0)
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := statisticsResponse{DeviceID: id, From: zeroAsNil(from), To: zeroAsNil(to)}
	if len(records) > statsLimit {
		records = records[:statsLimit]
		resp.Truncated = true
	}
	resp.Statistics = measurement.Compute(records)
	for _, rec := range records {
		if !rec.InRange() {
			resp.OutOfRange++
		}
	}

	dev, err := c.repository.GetDevice(r.Context(), id)
	switch {
	case err == nil && dev.Alarms != nil:
		sum := &alarmSummary{Thresholds: *dev.Alarms}
		for _, rec := range records {
			chk := measurement.CheckAlarm(rec, *dev.Alarms)
			switch {
			case chk.Temperature == measurement.AlarmAlarm || chk.Humidity == measurement.AlarmAlarm:
				sum.Alarm++
			case chk.Temperature == measurement.AlarmWarning || chk.Humidity == measurement.AlarmWarning:
				sum.Warning++
			}
		}
		resp.Alarms = sum
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		slog.Warn("statistics: get device failed", "device_id", id, "error", err)
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

func (c *historyControllerImpl) handleExport(w http.ResponseWriter, r *http.Request) {
	id := deviceID(r)
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, to, err := parseWindow(r, c.now().UTC(), measurement.AllTime)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := c.repository.GetMeasurements(r.Context(), id, from, to, export.MaxRecords+1, 0)
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, format, records); err != nil {
		if errors.Is(err, export.ErrTooManyRecords) {
			utils.WriteError(w, http.StatusUnprocessableEntity, err.Error()+"; narrow the range")
			return
		}
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", format.ContentType()+"; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(id, format, c.now())+`"`)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("export: write response failed", "device_id", id, "error", err)
	}
}

func (c *historyControllerImpl) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	id := deviceID(r)
	if id == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing device id")
		return
	}
	st, err := c.downloads.StartDownload(id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrBusy):
			utils.WriteError(w, http.StatusConflict, err.Error())
		case errors.Is(err, service.ErrClosed):
			utils.WriteError(w, http.StatusServiceUnavailable, err.Error())
		default:
			utils.WriteError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	utils.WriteJSON(w, http.StatusAccepted, st)
}

type downloadResponse struct {
	Current *types.DownloadStatus  `json:"current,omitempty"`
	History []types.DownloadStatus `json:"history"`
}

func (c *historyControllerImpl) handleDownloadStatus(w http.ResponseWriter, r *http.Request) {
	id := deviceID(r)
	st, ok, err := c.downloads.Status(r.Context(), id)
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	past, err := c.downloads.History(r.Context(), id, historyLimit)
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok && len(past) == 0 {
		utils.WriteError(w, http.StatusNotFound, "no downloads for "+id)
		return
	}
	resp := downloadResponse{History: past}
	if ok {
		resp.Current = &st
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

func (c *historyControllerImpl) handleControl(w http.ResponseWriter, r *http.Request) {
	id := deviceID(r)
	var cmd service.ControlCommand
	if err := utils.DecodeJSON(r, &cmd); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	dev, err := c.downloads.Control(r.Context(), id, cmd)
	if err != nil {
		utils.WriteError(w, controlStatus(err), err.Error())
		return
	}
	utils.WriteJSON(w, http.StatusOK, dev)
}

func controlStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidControl):
		return http.StatusBadRequest
	case errors.Is(err, ble.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, service.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, device.ErrDeviceRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, device.ErrNoResponse):
		return http.StatusGatewayTimeout
	case errors.Is(err, download.ErrConnectionLost):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
