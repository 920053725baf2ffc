package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"unlock-music.dev/um/algo/common"
	"unlock-music.dev/um/internal/serialization"
)

const (
	sessionTTL      = 30 * time.Minute
	sessionSweepInt = 5 * time.Minute
)

// ServiceMessage is one request line. ID is echoed in the response and
// generated when the client leaves it empty.
type ServiceMessage struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type ServiceResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type sessionRef struct {
	SessionID string `json:"session_id"`
}

type addFilesData struct {
	SessionID string     `json:"session_id"`
	Files     []FileTask `json:"files"`
}

type startProcessingData struct {
	SessionID string          `json:"session_id"`
	Options   *ProcessOptions `json:"options,omitempty"`
}

type Session struct {
	ID         string
	CreatedAt  time.Time
	LastActive time.Time
	Files      []FileTask
	Status     string
	Result     *BatchResponse

	batch  *batchProcessor
	cancel context.CancelFunc
	mutex  sync.RWMutex
}

// UMService serves conversion sessions over newline delimited JSON.
type UMService struct {
	logger *zap.Logger
	base   *processor

	sessions map[string]*Session
	mutex    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu   sync.Mutex
	conns    map[net.Conn]struct{}
	listener net.Listener
}

func NewUMService(base *processor, logger *zap.Logger) *UMService {
	ctx, cancel := context.WithCancel(context.Background())
	return &UMService{
		logger:   logger,
		base:     base,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start listens on addr (a socket path, or a pipe name on Windows) and
// serves until Stop.
func (s *UMService) Start(addr string) error {
	l, err := listen(addr)
	if err != nil {
		return fmt.Errorf("service listen: %w", err)
	}
	s.logger.Info("service started", zap.String("address", addr))
	return s.Serve(l)
}

func (s *UMService) Serve(l net.Listener) error {
	s.connMu.Lock()
	s.listener = l
	s.connMu.Unlock()
	if s.ctx.Err() != nil {
		// stopped before the listener was known
		_ = l.Close()
		return nil
	}

	s.wg.Add(1)
	go s.cleanupSessions()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept connection failed", zap.Error(err))
			continue
		}

		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Stop closes the listener and every connection, cancels running sessions
// and waits for them to wind down.
func (s *UMService) Stop() error {
	s.cancel()

	s.connMu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *UMService) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		_ = conn.Close()
	}()

	s.logger.Debug("client connected", zap.String("remote", conn.RemoteAddr().String()))

	decoder := serialization.NewLineDecoder(conn)
	encoder := serialization.NewLineEncoder(conn)

	for {
		var msg ServiceMessage
		err := decoder.Next(&msg)
		if errors.Is(err, io.EOF) {
			return
		} else if err != nil {
			if serialization.IsStreamError(err) {
				if s.ctx.Err() == nil {
					s.logger.Warn("read connection failed", zap.Error(err))
				}
				return
			}
			_ = encoder.Encode(s.createErrorResponse("", "parse message failed", err))
			continue
		}

		if err := encoder.Encode(s.handleMessage(&msg)); err != nil {
			s.logger.Warn("send response failed", zap.Error(err))
			return
		}
	}
}

func (s *UMService) handleMessage(msg *ServiceMessage) *ServiceResponse {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	switch msg.Type {
	case "start_session":
		return s.handleStartSession(msg)
	case "add_files":
		return s.handleAddFiles(msg)
	case "start_processing":
		return s.handleStartProcessing(msg)
	case "get_progress":
		return s.handleGetProgress(msg)
	case "stop_processing":
		return s.handleStopProcessing(msg)
	case "end_session":
		return s.handleEndSession(msg)
	default:
		return s.createErrorResponse(msg.ID, fmt.Sprintf("unknown message type %q", msg.Type), nil)
	}
}

func decodeData[T any](msg *ServiceMessage) (T, error) {
	var v T
	if len(msg.Data) == 0 {
		return v, errors.New("missing data")
	}
	err := json.Unmarshal(msg.Data, &v)
	return v, err
}

func (s *UMService) lookupSession(id string) (*Session, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

func (s *UMService) handleStartSession(msg *ServiceMessage) *ServiceResponse {
	now := time.Now()
	session := &Session{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		LastActive: now,
		Status:     "created",
	}

	s.mutex.Lock()
	s.sessions[session.ID] = session
	s.mutex.Unlock()

	s.logger.Info("session created", zap.String("session", session.ID))
	return s.createSuccessResponse(msg.ID, "session_started", map[string]any{"session_id": session.ID})
}

func (s *UMService) handleAddFiles(msg *ServiceMessage) *ServiceResponse {
	data, err := decodeData[addFilesData](msg)
	if err != nil {
		return s.createErrorResponse(msg.ID, "invalid message data", err)
	}
	session, ok := s.lookupSession(data.SessionID)
	if !ok {
		return s.createErrorResponse(msg.ID, "session not found", nil)
	}

	validFiles := make([]FileTask, 0, len(data.Files))
	for _, file := range data.Files {
		if _, err := os.Stat(file.InputPath); err != nil {
			s.logger.Warn("input file not found", zap.String("path", file.InputPath))
			continue
		}
		if len(common.GetDecoder(file.InputPath, s.base.skipNoopDecoder)) == 0 {
			s.logger.Warn("unsupported input format", zap.String("path", file.InputPath))
			continue
		}
		validFiles = append(validFiles, file)
	}

	session.mutex.Lock()
	session.Files = append(session.Files, validFiles...)
	session.LastActive = time.Now()
	total := len(session.Files)
	session.mutex.Unlock()

	s.logger.Info("files added to session",
		zap.String("session", data.SessionID),
		zap.Int("accepted", len(validFiles)),
		zap.Int("requested", len(data.Files)))

	return s.createSuccessResponse(msg.ID, "files_added", map[string]any{
		"added_count": len(validFiles),
		"total_files": total,
	})
}

func (s *UMService) handleStartProcessing(msg *ServiceMessage) *ServiceResponse {
	data, err := decodeData[startProcessingData](msg)
	if err != nil {
		return s.createErrorResponse(msg.ID, "invalid message data", err)
	}
	session, ok := s.lookupSession(data.SessionID)
	if !ok {
		return s.createErrorResponse(msg.ID, "session not found", nil)
	}

	session.mutex.Lock()
	defer session.mutex.Unlock()

	if session.Status == "processing" {
		return s.createErrorResponse(msg.ID, "session is already processing", nil)
	}
	if len(session.Files) == 0 {
		return s.createErrorResponse(msg.ID, "no files to process", nil)
	}

	proc := s.base
	if data.Options != nil {
		proc = proc.clone(*data.Options)
	}
	ctx, cancel := context.WithCancel(s.ctx)

	session.Status = "processing"
	session.LastActive = time.Now()
	session.Result = nil
	session.batch = newBatchProcessor(proc, s.logger.With(zap.String("session", session.ID)))
	session.cancel = cancel

	files := append([]FileTask(nil), session.Files...)
	s.wg.Add(1)
	go s.processSessionFiles(ctx, session, files)

	s.logger.Info("session processing started",
		zap.String("session", session.ID),
		zap.Int("files", len(files)))

	return s.createSuccessResponse(msg.ID, "processing_started", map[string]any{
		"session_id": session.ID,
		"file_count": len(files),
		"status":     session.Status,
	})
}

func (s *UMService) processSessionFiles(ctx context.Context, session *Session, files []FileTask) {
	defer s.wg.Done()

	session.mutex.RLock()
	batch, cancel := session.batch, session.cancel
	session.mutex.RUnlock()
	defer cancel()

	response := batch.processBatch(ctx, &BatchRequest{Files: files})

	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.Result = response
	session.LastActive = time.Now()
	switch {
	case session.Status == "stopped":
	case response.FailedCount == 0:
		session.Status = "completed"
	case response.SuccessCount > 0:
		session.Status = "partial_success"
	default:
		session.Status = "error"
	}

	s.logger.Info("session processing finished",
		zap.String("session", session.ID),
		zap.String("status", session.Status),
		zap.Int("succeeded", response.SuccessCount),
		zap.Int("failed", response.FailedCount))
}

func (s *UMService) handleGetProgress(msg *ServiceMessage) *ServiceResponse {
	data, err := decodeData[sessionRef](msg)
	if err != nil {
		return s.createErrorResponse(msg.ID, "invalid message data", err)
	}
	session, ok := s.lookupSession(data.SessionID)
	if !ok {
		return s.createErrorResponse(msg.ID, "session not found", nil)
	}

	session.mutex.RLock()
	defer session.mutex.RUnlock()

	total := len(session.Files)
	processed := 0
	if session.Result != nil {
		processed = session.Result.TotalFiles
	} else if session.batch != nil {
		processed = int(session.batch.done.Load())
	}
	progress := 0.0
	if total > 0 {
		progress = float64(processed) * 100 / float64(total)
	}

	payload := map[string]any{
		"session_id":      session.ID,
		"progress":        progress,
		"status":          session.Status,
		"total_files":     total,
		"processed_files": processed,
	}
	if session.Result != nil {
		payload["results"] = session.Result.Results
	}
	return s.createSuccessResponse(msg.ID, "progress_update", payload)
}

func (s *UMService) handleStopProcessing(msg *ServiceMessage) *ServiceResponse {
	data, err := decodeData[sessionRef](msg)
	if err != nil {
		return s.createErrorResponse(msg.ID, "invalid message data", err)
	}
	session, ok := s.lookupSession(data.SessionID)
	if !ok {
		return s.createErrorResponse(msg.ID, "session not found", nil)
	}

	session.mutex.Lock()
	defer session.mutex.Unlock()

	if session.Status != "processing" {
		return s.createErrorResponse(msg.ID, "session is not processing", nil)
	}
	session.Status = "stopped"
	session.LastActive = time.Now()
	session.cancel()

	s.logger.Info("session processing stopped", zap.String("session", session.ID))
	return s.createSuccessResponse(msg.ID, "processing_stopped", map[string]any{
		"session_id": session.ID,
		"status":     session.Status,
	})
}

func (s *UMService) handleEndSession(msg *ServiceMessage) *ServiceResponse {
	data, err := decodeData[sessionRef](msg)
	if err != nil {
		return s.createErrorResponse(msg.ID, "invalid message data", err)
	}

	s.mutex.Lock()
	session, ok := s.sessions[data.SessionID]
	delete(s.sessions, data.SessionID)
	s.mutex.Unlock()
	if !ok {
		return s.createErrorResponse(msg.ID, "session not found", nil)
	}

	session.mutex.Lock()
	if session.cancel != nil {
		session.cancel()
	}
	session.Status = "ended"
	session.Files = nil
	session.mutex.Unlock()

	s.logger.Info("session ended", zap.String("session", data.SessionID))
	return s.createSuccessResponse(msg.ID, "session_ended", map[string]any{
		"session_id": data.SessionID,
		"status":     "ended",
	})
}

func (s *UMService) cleanupSessions() {
	defer s.wg.Done()
	ticker := time.NewTicker(sessionSweepInt)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.performCleanup(time.Now())
		}
	}
}

// performCleanup drops idle sessions that are not processing.
func (s *UMService) performCleanup(now time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for id, session := range s.sessions {
		session.mutex.RLock()
		idle := now.Sub(session.LastActive) > sessionTTL && session.Status != "processing"
		session.mutex.RUnlock()
		if idle {
			delete(s.sessions, id)
			s.logger.Info("expired session removed", zap.String("session", id))
		}
	}
}

func (s *UMService) createSuccessResponse(id, responseType string, data any) *ServiceResponse {
	return &ServiceResponse{
		ID:        id,
		Type:      responseType,
		Success:   true,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

func (s *UMService) createErrorResponse(id, errorMsg string, err error) *ServiceResponse {
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", errorMsg, err)
	}
	return &ServiceResponse{
		ID:        id,
		Type:      "error",
		Success:   false,
		Error:     errorMsg,
		Timestamp: time.Now().Unix(),
	}
}

func runServiceMode(ctx context.Context, proc *processor, pipeName string) error {
	addr := pipeName
	if addr == "" {
		addr = defaultServiceAddress
	}

	service := NewUMService(proc, proc.logger)
	go func() {
		<-ctx.Done()
		_ = service.Stop()
	}()
	return service.Start(addr)
}
