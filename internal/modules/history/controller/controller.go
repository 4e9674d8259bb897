package controller

import (
	"context"
	"net/http"
	"time"

	"thlogger-gateway/internal/ble"
	"thlogger-gateway/internal/modules/history/repository"
	"thlogger-gateway/internal/modules/history/service"
	"thlogger-gateway/internal/modules/history/types"
)

type DownloadService interface {
	StartDownload(deviceID string) (types.DownloadStatus, error)
	Status(ctx context.Context, deviceID string) (types.DownloadStatus, bool, error)
	History(ctx context.Context, deviceID string, limit int) ([]types.DownloadStatus, error)
	Control(ctx context.Context, deviceID string, cmd service.ControlCommand) (types.Device, error)
}

type LiveSource interface {
	Latest(deviceID string) (ble.Live, bool)
	Devices() []ble.Live
}

type HistoryController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type historyControllerImpl struct {
	repository repository.HistoryRepository
	downloads  DownloadService
	live       LiveSource
	now        func() time.Time
}

func NewHistoryController(repo repository.HistoryRepository, downloads DownloadService, live LiveSource) HistoryController {
	return &historyControllerImpl{repository: repo, downloads: downloads, live: live, now: time.Now}
}

func (c *historyControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/devices", c.handleDevices)
	mux.HandleFunc("GET /api/v1/devices/{id}/live", c.handleLive)
	mux.HandleFunc("GET /api/v1/devices/{id}/measurements", c.handleMeasurements)
	mux.HandleFunc("GET /api/v1/devices/{id}/statistics", c.handleStatistics)
	mux.HandleFunc("GET /api/v1/devices/{id}/export", c.handleExport)
	mux.HandleFunc("POST /api/v1/devices/{id}/download", c.handleStartDownload)
	mux.HandleFunc("GET /api/v1/devices/{id}/download", c.handleDownloadStatus)
	mux.HandleFunc("POST /api/v1/devices/{id}/control", c.handleControl)
}
