package history

import (
	"net/http"

	"thlogger-gateway/internal/modules/history/controller"
	"thlogger-gateway/internal/modules/history/repository"
)

func RegisterFeature(mux *http.ServeMux, repo repository.HistoryRepository, downloads controller.DownloadService, live controller.LiveSource) {
	historyController := controller.NewHistoryController(repo, downloads, live)
	historyController.RegisterRoutes(mux)
}
