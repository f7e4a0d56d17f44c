// Package admin provides a line-oriented control interface for adding and
// removing watch targets at runtime.
package admin

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"github.com/NekoEpisode/FileXE/pkg/watcher"
)

const (
	// Admin commands
	WatchCmd    = "WATCH"
	UnwatchCmd  = "UNWATCH"
	ListCmd     = "LIST"
	WatchersCmd = "WATCHERS"

	// NoFollowFlag disables rename following for WATCH.
	NoFollowFlag = "nofollow"

	// DefaultDialTimeout bounds SendCommand.
	DefaultDialTimeout = 5 * time.Second

	maxLineLength = 4096
)

// TargetInfo describes one watch target.
type TargetInfo struct {
	Path     string
	Interest watcher.EventKind
	Follow   bool
}

func (ti TargetInfo) String() string {
	follow := "follow"
	if !ti.Follow {
		follow = NoFollowFlag
	}
	return fmt.Sprintf("%s %s %s", ti.Path, ti.Interest, follow)
}

// Controller is the set of targets the admin server manages.
type Controller interface {
	Watch(path string, interest watcher.EventKind, follow bool) error
	Unwatch(path string) error
	Targets() []TargetInfo
	Directories() []string
}

// Server accepts admin connections, one command per connection.
type Server struct {
	ctrl   Controller
	logger *logrus.Logger
	port   int

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a new admin server instance.
func NewServer(ctrl Controller, port int, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}

	return &Server{
		ctrl:   ctrl,
		port:   port,
		logger: logger,
	}
}

// Start begins listening for admin connections on 127.0.0.1. Port 0 picks a
// free port; Addr reports it.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("starting admin server: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Infof("🔧 Admin server listening on %s", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.WithError(err).Warn("Failed to accept admin connection")
				continue
			}

			go s.handleConnection(conn)
		}
	}()

	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and waits for the accept loop to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	if listener == nil {
		return nil
	}
	err := listener.Close()
	s.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("stopping admin server: %w", err)
	}
	return nil
}

// handleConnection processes a single admin connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 512), maxLineLength)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			s.logger.WithError(err).Debug("Failed to read from admin connection")
		}
		return
	}

	s.writeResponse(conn, s.Execute(scanner.Text()))
}

// Execute runs one command line and returns the reply.
func (s *Server) Execute(line string) string {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "ERROR: Empty command"
	}

	switch strings.ToUpper(parts[0]) {
	case WatchCmd:
		return s.handleWatch(parts[1:])
	case UnwatchCmd:
		return s.handleUnwatch(parts[1:])
	case ListCmd:
		return s.handleList(parts[1:])
	case WatchersCmd:
		return strings.Join(s.ctrl.Directories(), "\n")
	default:
		return "ERROR: Unknown command"
	}
}

// handleWatch processes WATCH <path> [kind] [nofollow].
func (s *Server) handleWatch(args []string) string {
	if len(args) < 1 || len(args) > 3 {
		return "ERROR: Invalid WATCH command format. Usage: WATCH <path> [kind] [nofollow]"
	}

	path := args[0]
	interest := watcher.All
	follow := true
	for _, arg := range args[1:] {
		if strings.EqualFold(arg, NoFollowFlag) {
			follow = false
			continue
		}
		kind, err := watcher.ParseEventKind(arg)
		if err != nil {
			return fmt.Sprintf("ERROR: %v", err)
		}
		interest = kind
	}

	if err := s.ctrl.Watch(path, interest, follow); err != nil {
		s.logger.WithError(err).Errorf("Failed to watch %s", path)
		return fmt.Sprintf("ERROR: %v", err)
	}
	s.logger.Infof("➕ Watching %s (%s)", path, interest)
	return "OK"
}

// handleUnwatch processes UNWATCH <path>.
func (s *Server) handleUnwatch(args []string) string {
	if len(args) != 1 {
		return "ERROR: Invalid UNWATCH command format. Usage: UNWATCH <path>"
	}

	if err := s.ctrl.Unwatch(args[0]); err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	s.logger.Infof("➖ Stopped watching %s", args[0])
	return "OK"
}

// handleList processes LIST [glob].
func (s *Server) handleList(args []string) string {
	if len(args) > 1 {
		return "ERROR: Invalid LIST command format. Usage: LIST [glob]"
	}

	var pattern glob.Glob
	if len(args) == 1 {
		g, err := glob.Compile(args[0], '/')
		if err != nil {
			return fmt.Sprintf("ERROR: invalid pattern %q: %v", args[0], err)
		}
		pattern = g
	}

	var lines []string
	for _, ti := range s.ctrl.Targets() {
		if pattern != nil && !pattern.Match(ti.Path) {
			continue
		}
		lines = append(lines, ti.String())
	}
	return strings.Join(lines, "\n")
}

// writeResponse writes a response to an admin connection.
func (s *Server) writeResponse(conn net.Conn, response string) {
	if response == "" {
		return
	}
	if _, err := conn.Write([]byte(response + "\n")); err != nil {
		s.logger.WithError(err).Warn("Failed to write admin response")
	}
}

// SendCommand sends one command line to the admin server at addr and returns
// the reply. An "ERROR:" reply is returned as an error.
func SendCommand(addr, line string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultDialTimeout)
	if err != nil {
		return "", fmt.Errorf("connecting to admin server: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(DefaultDialTimeout)); err != nil {
		return "", fmt.Errorf("setting deadline: %w", err)
	}
	if _, err := conn.Write([]byte(strings.TrimSpace(line) + "\n")); err != nil {
		return "", fmt.Errorf("sending command: %w", err)
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("reading reply: %w", err)
	}

	text := strings.TrimRight(string(reply), "\n")
	if strings.HasPrefix(text, "ERROR:") {
		return "", errors.New(strings.TrimSpace(strings.TrimPrefix(text, "ERROR:")))
	}
	return text, nil
}
