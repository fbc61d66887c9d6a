package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const readTimeout = 30 * time.Second

var validModels = map[string]bool{"opus": true, "sonnet": true, "haiku": true}

// Server accepts control connections. Each connection handles one
// request at a time; connections themselves are concurrent.
type Server struct {
	path   string
	ctl    Controller
	logger *slog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func NewServer(path string, ctl Controller, logger *slog.Logger) *Server {
	if path == "" {
		path = DefaultSocketPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{path: path, ctl: ctl, logger: logger.With("component", "ipc")}
}

// Start binds the socket and begins accepting. A stale socket from a
// previous run is removed first.
func (s *Server) Start() error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return errors.Wrap(err, "listen on ipc socket")
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return errors.Wrap(err, "restrict ipc socket permissions")
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.logger.Info("ipc server listening", "path", s.path)
	return nil
}

// Stop closes the listener, waits for in-flight handlers, and removes
// the socket file.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	var req Request
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		resp = Response{OK: false, Error: "invalid request: " + err.Error()}
	} else {
		resp = s.dispatch(req)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(Response{OK: false, Error: "encode response failed"})
	}
	_, _ = conn.Write(append(out, '\n'))
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		return Response{OK: true, Sessions: s.ctl.Status()}

	case "kill_session":
		if req.ChatID == "" {
			return Response{OK: false, Error: "missing chat_id"}
		}
		if !s.ctl.KillSession(req.ChatID) {
			return Response{OK: false, Message: "session not found"}
		}
		return Response{OK: true, Message: "killed " + req.ChatID}

	case "kill_all_sessions":
		n := s.ctl.KillAllSessions()
		return Response{OK: true, Message: fmt.Sprintf("killed %d sessions", n)}

	case "restart_session":
		if req.ChatID == "" {
			return Response{OK: false, Error: "missing chat_id"}
		}
		if err := s.ctl.RestartSession(req.ChatID, "ipc"); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true, Message: "restarted " + req.ChatID}

	case "set_model":
		if req.ChatID == "" || req.Model == "" {
			return Response{OK: false, Error: "chat_id and model required"}
		}
		if !validModels[req.Model] {
			return Response{OK: false, Error: "unknown model: " + req.Model}
		}
		if err := s.ctl.SetModel(req.ChatID, req.Model); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true, Message: "model set, session restarting"}

	case "inject":
		if req.ChatID == "" || req.Prompt == "" {
			return Response{OK: false, Error: "chat_id and prompt required"}
		}
		name, err := s.ctl.Inject(req)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true, Message: "injected into " + name}

	default:
		return Response{OK: false, Error: "unknown command: " + req.Cmd}
	}
}
