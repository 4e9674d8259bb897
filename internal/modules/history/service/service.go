package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"thlogger-gateway/internal/device"
	"thlogger-gateway/internal/download"
	"thlogger-gateway/internal/measurement"
	"thlogger-gateway/internal/modules/history/repository"
	"thlogger-gateway/internal/modules/history/types"
	"thlogger-gateway/internal/mqtt"
	"thlogger-gateway/internal/protocol"
)

var (
	ErrBusy   = errors.New("device busy")
	ErrClosed = errors.New("download service closed")
)

// phaseConnecting is reported before a session exists.
const phaseConnecting = "connecting"

type Publisher interface {
	PublishMeasurements(deviceID string, batches []mqtt.MeasurementBatch) error
	PublishDownloadStatus(deviceID string, st mqtt.DownloadStatus) error
}

type DatasetSink interface {
	WriteDataset(ctx context.Context, ds measurement.Dataset) error
}

type Config struct {
	Download  download.Config
	Devices   []string
	Schedule  time.Duration
	Retention time.Duration
}

// resumable is a session that lost its connection part way, kept with the
// device start time it was downloading against.
type resumable struct {
	session *download.Session
	start   time.Time
}

// Service runs downloads and control commands, at most one per device.
type Service struct {
	repo      repository.HistoryRepository
	transport download.Transport
	cfg       Config
	publisher Publisher
	sink      DatasetSink
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	busy       map[string]bool
	status     map[string]types.DownloadStatus
	failed     map[string]resumable
	thresholds map[string]protocol.AlarmThresholds
}

type Option func(*Service)

func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithSink(sink DatasetSink) Option { return func(s *Service) { s.sink = sink } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func withClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo repository.HistoryRepository, transport download.Transport, cfg Config, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		repo:       repo,
		transport:  transport,
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		busy:       make(map[string]bool),
		status:     make(map[string]types.DownloadStatus),
		failed:     make(map[string]resumable),
		thresholds: make(map[string]protocol.AlarmThresholds),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run loads known alarm thresholds, then downloads every configured device
// once per schedule until ctx is done. Background downloads are cancelled
// and awaited before Run returns.
func (s *Service) Run(ctx context.Context) error {
	defer s.Close()

	if devices, err := s.repo.GetDevices(ctx); err != nil {
		s.logger.Warn("load devices failed", "error", err)
	} else {
		for _, d := range devices {
			s.rememberThresholds(d.ID, d.Alarms)
		}
	}

	if s.cfg.Schedule <= 0 || len(s.cfg.Devices) == 0 {
		<-ctx.Done()
		return nil
	}

	s.logger.Info("download scheduler started", "devices", s.cfg.Devices, "every", s.cfg.Schedule.String())
	ticker := time.NewTicker(s.cfg.Schedule)
	defer ticker.Stop()
	for {
		s.downloadAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) downloadAll(ctx context.Context) {
	for _, id := range s.cfg.Devices {
		if ctx.Err() != nil {
			return
		}
		_, err := s.Download(ctx, id)
		switch {
		case errors.Is(err, ErrBusy):
			s.logger.Debug("scheduled download skipped", "device_id", id, "error", err)
		case err != nil:
			s.logger.Warn("scheduled download failed", "device_id", id, "error", err)
		}
	}
}

// Close cancels background downloads and waits for them.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Download runs one download to completion.
func (s *Service) Download(ctx context.Context, deviceID string) (types.DownloadStatus, error) {
	st, err := s.begin(deviceID, false)
	if err != nil {
		return types.DownloadStatus{}, err
	}
	defer s.release(deviceID)
	return s.download(ctx, st)
}

// StartDownload starts a download in the background and returns its initial
// status.
func (s *Service) StartDownload(deviceID string) (types.DownloadStatus, error) {
	st, err := s.begin(deviceID, true)
	if err != nil {
		return types.DownloadStatus{}, err
	}
	go func() {
		defer s.wg.Done()
		defer s.release(deviceID)
		if _, err := s.download(s.ctx, st); err != nil {
			s.logger.Warn("download failed", "device_id", deviceID, "session_id", st.SessionID, "error", err)
		}
	}()
	return st, nil
}

// Status returns the latest download status for a device, from memory or the
// download log.
func (s *Service) Status(ctx context.Context, deviceID string) (types.DownloadStatus, bool, error) {
	s.mu.Lock()
	st, ok := s.status[deviceID]
	s.mu.Unlock()
	if ok {
		return st, true, nil
	}
	past, err := s.repo.GetDownloads(ctx, deviceID, 1)
	if err != nil {
		return types.DownloadStatus{}, false, err
	}
	if len(past) == 0 {
		return types.DownloadStatus{}, false, nil
	}
	return past[0], true, nil
}

func (s *Service) History(ctx context.Context, deviceID string, limit int) ([]types.DownloadStatus, error) {
	return s.repo.GetDownloads(ctx, deviceID, limit)
}

// Thresholds returns the alarm limits a device reported at its last download.
func (s *Service) Thresholds(deviceID string) (protocol.AlarmThresholds, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.thresholds[deviceID]
	return t, ok
}

func (s *Service) rememberThresholds(deviceID string, t *protocol.AlarmThresholds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == nil {
		delete(s.thresholds, deviceID)
		return
	}
	s.thresholds[deviceID] = *t
}

// begin claims the device slot. A background download is also counted on
// the wait group under the same lock that Close uses, so Close never races
// with a late start.
func (s *Service) begin(deviceID string, background bool) (types.DownloadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.DownloadStatus{}, ErrClosed
	}
	if s.busy[deviceID] {
		return types.DownloadStatus{}, fmt.Errorf("%w: %s", ErrBusy, deviceID)
	}
	s.busy[deviceID] = true
	if background {
		s.wg.Add(1)
	}
	st := types.DownloadStatus{
		SessionID: uuid.NewString(),
		DeviceID:  deviceID,
		Phase:     phaseConnecting,
		StartedAt: s.now().UTC(),
	}
	s.status[deviceID] = st
	return st, nil
}

func (s *Service) acquire(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.busy[deviceID] {
		return fmt.Errorf("%w: %s", ErrBusy, deviceID)
	}
	s.busy[deviceID] = true
	return nil
}

func (s *Service) release(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, deviceID)
}

func (s *Service) download(ctx context.Context, st types.DownloadStatus) (types.DownloadStatus, error) {
	logger := s.logger.With("device_id", st.DeviceID, "session_id", st.SessionID)
	s.save(ctx, st)

	conn, err := s.transport.Connect(ctx, st.DeviceID)
	if err != nil {
		return s.fail(ctx, st, download.ReasonConnectionLost, fmt.Errorf("connect: %w", err))
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("close connection", "error", err)
		}
	}()

	info, err := device.NewClient(conn, s.cfg.Download.ChunkTimeout, logger).Info(ctx)
	if err != nil {
		return s.fail(ctx, st, reasonFor(ctx, err), fmt.Errorf("device info: %w", err))
	}
	dev := types.DeviceFromInfo(st.DeviceID, info)
	if err := s.repo.UpsertDevice(ctx, dev); err != nil {
		return s.fail(ctx, st, download.ReasonNone, err)
	}
	s.rememberThresholds(st.DeviceID, info.Alarms)

	sess := s.session(st.DeviceID, info.StartTime, s.logger.With("session_id", st.SessionID))
	st.Resumed = sess.State().Received > 0
	res, err := download.Run(ctx, conn, sess, download.WithProgress(func(state download.State) {
		st = withState(st, state)
		s.setStatus(st)
		s.publishStatus(st)
	}))
	if err != nil {
		var se *download.SessionError
		if errors.As(err, &se) && se.Reason == download.ReasonConnectionLost {
			s.mu.Lock()
			s.failed[st.DeviceID] = resumable{session: sess, start: info.StartTime}
			s.mu.Unlock()
			st.Resumable = true
		}
		reason := download.ReasonNone
		if se != nil {
			reason = se.Reason
		}
		return s.fail(ctx, st, reason, err)
	}

	ds, err := measurement.Assemble(res, measurement.MetaFromInfo(st.DeviceID, info))
	if err != nil {
		return s.fail(ctx, st, download.ReasonNone, err)
	}
	stored, err := s.repo.InsertMeasurements(ctx, ds.Records)
	if err != nil {
		return s.fail(ctx, st, download.ReasonNone, fmt.Errorf("store measurements: %w", err))
	}

	if s.publisher != nil && len(ds.Records) > 0 {
		if err := s.publisher.PublishMeasurements(st.DeviceID, mqtt.Batch(st.DeviceID, ds.Records)); err != nil {
			logger.Warn("publish measurements failed", "error", err)
		}
	}
	if s.sink != nil && len(ds.Records) > 0 {
		if err := s.sink.WriteDataset(ctx, ds); err != nil {
			logger.Warn("influx write failed", "error", err)
		}
	}

	finished := s.now().UTC()
	dev.LastDownload = &finished
	if err := s.repo.UpsertDevice(ctx, dev); err != nil {
		logger.Warn("record last download failed", "error", err)
	}
	s.purge(ctx, logger)

	st.Stored = stored
	st.OutOfRange = ds.OutOfRange
	st.FinishedAt = &finished
	s.finish(ctx, st)
	logger.Info("download completed",
		"expected_total", st.ExpectedTotal, "stored", stored, "out_of_range", ds.OutOfRange, "resumed", st.Resumed)
	return st, nil
}

// session resumes a session lost to a disconnect when the device still has
// the same log, and starts a new one otherwise.
func (s *Service) session(deviceID string, start time.Time, logger *slog.Logger) *download.Session {
	s.mu.Lock()
	prev, ok := s.failed[deviceID]
	delete(s.failed, deviceID)
	s.mu.Unlock()

	if ok && prev.start.Equal(start) {
		if next, err := prev.session.Resume(); err == nil {
			logger.Info("resuming download", "device_id", deviceID, "next_index", next.State().NextIndex, "received", next.State().Received)
			return next
		}
	}
	return download.NewSession(deviceID, s.cfg.Download, download.WithLogger(logger))
}

func (s *Service) purge(ctx context.Context, logger *slog.Logger) {
	if s.cfg.Retention <= 0 {
		return
	}
	n, err := s.repo.PurgeBefore(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		logger.Warn("retention purge failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("retention purge", "deleted", n)
	}
}

func (s *Service) fail(ctx context.Context, st types.DownloadStatus, reason download.Reason, err error) (types.DownloadStatus, error) {
	finished := s.now().UTC()
	st.Phase = download.PhaseFailed.String()
	st.Reason = reasonString(reason)
	st.Error = err.Error()
	st.FinishedAt = &finished
	s.finish(ctx, st)
	return st, err
}

func (s *Service) finish(ctx context.Context, st types.DownloadStatus) {
	s.setStatus(st)
	s.publishStatus(st)
	s.save(ctx, st)
}

func (s *Service) setStatus(st types.DownloadStatus) {
	s.mu.Lock()
	s.status[st.DeviceID] = st
	s.mu.Unlock()
}

// save records st in the download log even when ctx was cancelled.
func (s *Service) save(ctx context.Context, st types.DownloadStatus) {
	if err := s.repo.SaveDownload(context.WithoutCancel(ctx), st); err != nil {
		s.logger.Warn("save download status failed", "session_id", st.SessionID, "error", err)
	}
}

func (s *Service) publishStatus(st types.DownloadStatus) {
	if s.publisher == nil {
		return
	}
	msg := mqtt.DownloadStatus{
		SessionID:     st.SessionID,
		DeviceID:      st.DeviceID,
		Phase:         st.Phase,
		Reason:        st.Reason,
		ExpectedTotal: st.ExpectedTotal,
		Received:      st.Received,
		UpdatedAt:     s.now().UTC(),
	}
	if err := s.publisher.PublishDownloadStatus(st.DeviceID, msg); err != nil {
		s.logger.Debug("publish download status failed", "session_id", st.SessionID, "error", err)
	}
}

func withState(st types.DownloadStatus, state download.State) types.DownloadStatus {
	st.Phase = state.Phase.String()
	st.Reason = reasonString(state.Reason)
	st.ExpectedTotal = state.ExpectedTotal
	st.NextIndex = state.NextIndex
	st.Received = state.Received
	st.Retries = state.Retries
	return st
}

func reasonString(r download.Reason) string {
	if r == download.ReasonNone {
		return ""
	}
	return r.String()
}

func reasonFor(ctx context.Context, err error) download.Reason {
	switch {
	case ctx.Err() != nil:
		return download.ReasonCancelled
	case errors.Is(err, download.ErrConnectionLost):
		return download.ReasonConnectionLost
	case errors.Is(err, device.ErrNoResponse):
		return download.ReasonTimedOut
	default:
		return download.ReasonNone
	}
}
