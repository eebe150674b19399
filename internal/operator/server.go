// Package operator runs a Unix domain socket control server for hids:
// newline-delimited JSON requests let an operator inspect or reset a
// tracked source IP's state without restarting the agent.
//
// Adapted from the teacher's PID-escalation operator socket
// (internal/operator/server.go in the original OCTOREFLEX tree): same
// transport, connection limits and framing, but the commands and the
// StateRegistry contract now speak the HIDS domain (tracked source IPs and
// their risk scores) instead of process escalation states.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/hids/operator.sock (configurable).
// Permissions: 0600, owned by root.
//
// Commands (JSON request -> JSON response):
//
//	{"cmd":"status","source":"10.0.0.5"}
//	  -> {"ok":true,"source":"10.0.0.5","score":12,"attempt_count":4}
//
//	{"cmd":"reset","source":"10.0.0.5"}
//	  -> {"ok":true,"source":"10.0.0.5","reset":true}
//
//	{"cmd":"list"}
//	  -> {"ok":true,"sources":[{"source":"10.0.0.5","score":12,...},...]}
//
//	{"cmd":"health"}
//	  -> {"ok":true,"health":{"uptime_seconds":120,"worker_count":4,...}}
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// SourceStatus is a snapshot of one tracked source IP.
type SourceStatus struct {
	Source       string  `json:"source"`
	Score        float64 `json:"score"`
	AttemptCount int     `json:"attempt_count"`
}

// StateRegistry is the view of tracked engine state the operator socket
// depends on; cmd/hids adapts *engine.Engine to it.
type StateRegistry interface {
	Snapshot(source string) (score float64, attemptCount int, found bool)
	Reset(source string) bool
	ListTracked() []SourceStatus
}

// HealthProvider is the view of worker-pool health the operator socket
// depends on for the "health" command; cmd/hids adapts *runtime.Runtime to it.
type HealthProvider interface {
	HealthStatus() interface{}
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd    string `json:"cmd"` // status | reset | list | health
	Source string `json:"source,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK           bool           `json:"ok"`
	Error        string         `json:"error,omitempty"`
	Source       string         `json:"source,omitempty"`
	Score        float64        `json:"score,omitempty"`
	AttemptCount int            `json:"attempt_count,omitempty"`
	Reset        bool           `json:"reset,omitempty"`
	Sources      []SourceStatus `json:"sources,omitempty"`
	Health       interface{}    `json:"health,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	registry   StateRegistry
	health     HealthProvider
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operator Server.
func NewServer(socketPath string, registry StateRegistry, health HealthProvider, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		registry:   registry,
		health:     health,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server, removing any stale
// socket file first. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	if s.log != nil {
		s.log.Info("operator socket listening", zap.String("path", s.socketPath))
	}

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if s.log != nil {
					s.log.Error("operator: accept error", zap.Error(err))
				}
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			if s.log != nil {
				s.log.Warn("operator: max connections reached, rejecting")
			}
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		if s.log != nil {
			s.log.Warn("operator: read error", zap.Error(err))
		}
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	s.writeResponse(conn, s.dispatch(req))
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus(req)
	case "reset":
		return s.cmdReset(req)
	case "list":
		return s.cmdList()
	case "health":
		return s.cmdHealth()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus(req Request) Response {
	if req.Source == "" {
		return Response{OK: false, Error: "source required for status"}
	}
	score, count, found := s.registry.Snapshot(req.Source)
	if !found {
		return Response{OK: false, Error: fmt.Sprintf("source %q not tracked", req.Source)}
	}
	return Response{OK: true, Source: req.Source, Score: score, AttemptCount: count}
}

func (s *Server) cmdReset(req Request) Response {
	if req.Source == "" {
		return Response{OK: false, Error: "source required for reset"}
	}
	ok := s.registry.Reset(req.Source)
	if s.log != nil {
		s.log.Info("operator: source reset", zap.String("source", req.Source), zap.Bool("found", ok))
	}
	return Response{OK: true, Source: req.Source, Reset: ok}
}

func (s *Server) cmdList() Response {
	return Response{OK: true, Sources: s.registry.ListTracked()}
}

func (s *Server) cmdHealth() Response {
	if s.health == nil {
		return Response{OK: false, Error: "health provider not configured"}
	}
	return Response{OK: true, Health: s.health.HealthStatus()}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
