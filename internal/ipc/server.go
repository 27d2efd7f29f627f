package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"
	"time"

	"log/slog"

	"conductor/internal/daemon"
	"conductor/internal/deps"
	"conductor/internal/logging"
	"conductor/internal/logs"
	"conductor/internal/manifest"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName("Conductor", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually or rerun conductor stop"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) log() *slog.Logger {
	if s.logger == nil {
		return logging.NewNop()
	}
	return s.logger.With(logging.String(logging.FieldComponent, "ipc"))
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	s.log().Debug("daemon start requested")
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.log().Info("daemon started via IPC",
		logging.String(logging.FieldEventType, "daemon_start"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.log().Debug("daemon stop requested")
	s.daemon.Stop()
	resp.Stopped = true
	s.log().Info("daemon stopped via IPC",
		logging.String(logging.FieldEventType, "daemon_stop"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status(s.ctx)
	resp.Running = status.Running
	resp.PID = status.PID
	resp.ManifestDBPath = status.ManifestDBPath
	resp.LockPath = status.LockFilePath
	resp.LogPath = s.daemon.LogPath()
	resp.SessionStats = make(map[string]int, len(status.SessionStats))
	for state, count := range status.SessionStats {
		resp.SessionStats[string(state)] = count
	}
	resp.DeviceMonitoring = status.DeviceMonitoring
	resp.DeviceDetail = status.DeviceDetail
	resp.Dependencies = convertDependencies(status.Dependencies)
	return nil
}

func (s *service) SessionList(req SessionListRequest, resp *SessionListResponse) error {
	statuses := make([]manifest.SessionStatus, 0, len(req.Statuses))
	for _, raw := range req.Statuses {
		parsed, ok := manifest.ParseSessionStatus(raw)
		if !ok {
			continue
		}
		statuses = append(statuses, parsed)
	}
	sessions, err := s.daemon.ListSessions(s.ctx, statuses)
	if err != nil {
		return err
	}
	resp.Sessions = make([]SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		if session == nil {
			continue
		}
		resp.Sessions = append(resp.Sessions, FromSession(session))
	}
	return nil
}

func (s *service) SessionShow(req SessionShowRequest, resp *SessionShowResponse) error {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	session, err := s.daemon.GetSession(s.ctx, sessionID)
	if err != nil {
		return err
	}
	resp.Session = FromSession(session)
	return nil
}

func (s *service) SignalCaptureStarted(req SignalCaptureStartedRequest, resp *SignalCaptureStartedResponse) error {
	s.log().Debug("capture start signal received", logging.String("label", req.Label))
	if err := s.daemon.SignalCaptureStarted(req.At, req.Label); err != nil {
		return err
	}
	resp.Accepted = true
	resp.Message = "capture start signal accepted"
	return nil
}

func (s *service) SignalCaptureStopped(req SignalCaptureStoppedRequest, resp *SignalCaptureStoppedResponse) error {
	s.log().Debug("capture stop signal received", logging.String("file", req.File))
	if err := s.daemon.SignalCaptureStopped(req.At, req.File); err != nil {
		return err
	}
	resp.Accepted = true
	resp.Message = "capture stop signal accepted"
	return nil
}

func (s *service) Abandon(req AbandonRequest, resp *AbandonResponse) error {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if err := s.daemon.Abandon(s.ctx, sessionID, req.Reason); err != nil {
		return err
	}
	resp.Abandoned = true
	resp.Message = fmt.Sprintf("session %s abandoned", sessionID)
	s.log().Info("session abandoned via IPC",
		logging.String(logging.FieldEventType, "session_abandon"),
		logging.String(logging.FieldSessionID, sessionID))
	return nil
}

func (s *service) Retry(req RetryRequest, resp *RetryResponse) error {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if err := s.daemon.Retry(s.ctx, sessionID); err != nil {
		return err
	}
	resp.Retried = true
	resp.Message = fmt.Sprintf("session %s rescheduled", sessionID)
	s.log().Info("session retried via IPC",
		logging.String(logging.FieldEventType, "session_retry"),
		logging.String(logging.FieldSessionID, sessionID))
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	sent, message, err := s.daemon.TestNotification(s.ctx)
	resp.Sent = sent
	resp.Message = message
	return err
}

func (s *service) Preflight(_ PreflightRequest, resp *PreflightResponse) error {
	checks, dependencies := s.daemon.Preflight(s.ctx)
	resp.Checks = make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		resp.Checks = append(resp.Checks, CheckResult{
			Name:   check.Name,
			Passed: check.Passed,
			Detail: check.Detail,
		})
	}
	resp.Dependencies = convertDependencies(dependencies)
	return nil
}

func (s *service) LogTail(req LogTailRequest, resp *LogTailResponse) error {
	logPath := s.daemon.LogPath()
	if logPath == "" {
		resp.Offset = 0
		return nil
	}
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait <= 0 && req.Follow {
		wait = time.Second
	}
	options := logs.TailOptions{
		Offset: req.Offset,
		Limit:  req.Limit,
		Follow: req.Follow,
		Wait:   wait,
	}
	ctx := s.ctx
	if req.Follow && wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, wait+500*time.Millisecond)
		defer cancel()
	}
	result, err := logs.Tail(ctx, logPath, options)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			resp.Offset = result.Offset
			return nil
		}
		return err
	}
	resp.Lines = result.Lines
	resp.Offset = result.Offset
	return nil
}

// convertDependencies maps dependency results onto the wire DTO and assigns
// display severity: missing required tools are errors, missing optional
// ones warnings.
func convertDependencies(statuses []deps.Status) []DependencyStatus {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]DependencyStatus, 0, len(statuses))
	for _, dep := range statuses {
		severity := "ok"
		if !dep.Available {
			severity = "error"
			if dep.Optional {
				severity = "warn"
			}
		}
		out = append(out, DependencyStatus{
			Name:        dep.Name,
			Command:     dep.Command,
			Description: dep.Description,
			Optional:    dep.Optional,
			Available:   dep.Available,
			Detail:      dep.Detail,
			Severity:    severity,
		})
	}
	return out
}
