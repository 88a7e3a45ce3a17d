package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
)

// Line-oriented protocol: password imports can carry hundreds of
// entries on one line, so the read buffer goes well past bufio's 64K
// default.
const maxLineBytes = 4 << 20

// UDSServer serves JSON-RPC 2.0 over a unix domain socket, one request
// and one response per line.
type UDSServer struct {
	socketPath string
	handler    *CommandHandler
	listener   net.Listener

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewUDSServer creates the server; Start brings up the socket.
func NewUDSServer(socketPath string, handler *CommandHandler) *UDSServer {
	return &UDSServer{
		socketPath: socketPath,
		handler:    handler,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start listens on the socket and begins accepting connections. A stale
// socket file from a dead daemon is removed first. The socket is owner
// only (0600) since commands can delete files and stop the daemon.
func (s *UDSServer) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("command: remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("command: listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("command: chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	slog.Info("control socket listening", "socket", s.socketPath)
	return nil
}

func (s *UDSServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			slog.Error("control socket accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *UDSServer) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			writeError(encoder, nil, ErrCodeParseError, fmt.Sprintf("parse error: %v", err))
			continue
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			writeError(encoder, req.ID, ErrCodeInvalidRequest, "invalid request")
			continue
		}

		resp := s.handler.Handle(ctx, Command{
			Method: req.Method,
			Params: req.Params,
			ID:     fmt.Sprintf("%v", req.ID),
		})
		out := JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  resp.Result,
			Error:   resp.Error,
		}
		if err := encoder.Encode(out); err != nil {
			slog.Warn("control socket write failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("control socket read ended", "error", err)
	}
}

func writeError(enc *json.Encoder, id any, code int, msg string) {
	enc.Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &ErrorInfo{Code: code, Message: msg},
	})
}

// Stop closes the listener and every open connection, waits for the
// handlers to drain, and removes the socket file.
func (s *UDSServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("socket file removal failed", "error", err)
	}
	slog.Info("control socket closed")
	return nil
}

// JSONRPCRequest is the wire form of one request line.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id"`
}

// JSONRPCResponse is the wire form of one response line.
type JSONRPCResponse struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      any        `json:"id"`
	Result  any        `json:"result,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}
