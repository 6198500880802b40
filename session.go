package main

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type sessionState int

const (
	stateAwaitingAuth sessionState = iota
	stateAwaitingShell
	stateInteractive
	stateTerminated
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingAuth:
		return "awaiting-auth"
	case stateAwaitingShell:
		return "awaiting-shell"
	case stateInteractive:
		return "interactive"
	default:
		return "terminated"
	}
}

type sessionEvent int

const (
	evAuthAdmit sessionEvent = iota
	evAuthDeny
	evAuthReject
	evShellRequested
	evShellTimeout
	evExit
	evIdleTimeout
	evIOError
	evClosed
)

var eventNames = [...]string{
	evAuthAdmit:      "auth-admit",
	evAuthDeny:       "auth-deny",
	evAuthReject:     "auth-reject",
	evShellRequested: "shell-requested",
	evShellTimeout:   "shell-timeout",
	evExit:           "exit",
	evIdleTimeout:    "idle-timeout",
	evIOError:        "io-error",
	evClosed:         "closed",
}

func (e sessionEvent) String() string { return eventNames[e] }

// transition is the whole session lifecycle. Events that don't apply to a
// state leave it where it is; terminated absorbs everything.
func transition(st sessionState, ev sessionEvent) sessionState {
	if st == stateTerminated || ev == evClosed {
		return stateTerminated
	}
	switch st {
	case stateAwaitingAuth:
		switch ev {
		case evAuthAdmit:
			return stateAwaitingShell
		case evAuthReject:
			return stateTerminated
		}
	case stateAwaitingShell:
		switch ev {
		case evShellRequested:
			return stateInteractive
		case evShellTimeout:
			return stateTerminated
		}
	case stateInteractive:
		switch ev {
		case evExit, evIdleTimeout, evIOError:
			return stateTerminated
		}
	}
	return st
}

// Hooks is what the connection supervisor calls into while it drives the
// SSH transport for one connection.
type Hooks interface {
	DecideAuth(username, password string) verdict
	OnChannelOpen(kind string) bool
	OnPtyRequest() bool
	OnShellRequest()
}

const (
	msgWelcome    = "\r\nAccess granted. Welcome to the honeypot.\r\n"
	msgIdle       = "\r\nConnection terminated due to inactivity.\r\n"
	readChunkSize = 1024
)

var (
	errUnknownUser = errors.New("permission denied")
	errBadPassword = errors.New("permission denied, please try again")
)

// session is the state of one connection from its first auth attempt to
// teardown.
type session struct {
	cfg   Config
	gate  *attemptGate
	files *fileStore
	logs  *loggers
	conn  net.Conn
	ip    string

	mu    sync.Mutex
	state sessionState
	user  string

	shellReq  chan struct{}
	shellOnce sync.Once
}

var _ Hooks = (*session)(nil)

func newSession(cfg Config, gate *attemptGate, files *fileStore, logs *loggers, conn net.Conn) *session {
	return &session{
		cfg:      cfg,
		gate:     gate,
		files:    files,
		logs:     logs,
		conn:     conn,
		ip:       conn.RemoteAddr().String(),
		shellReq: make(chan struct{}),
	}
}

// fire applies ev and returns the resulting state.
func (s *session) fire(ev sessionEvent) sessionState {
	s.mu.Lock()
	prev := s.state
	s.state = transition(prev, ev)
	next := s.state
	s.mu.Unlock()

	if next != prev {
		s.logs.app.Debug("session state",
			zap.String("ip", s.ip),
			zap.Stringer("event", ev),
			zap.Stringer("from", prev),
			zap.Stringer("to", next))
	}
	return next
}

func (s *session) State() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *session) DecideAuth(username, password string) verdict {
	v, n := s.gate.Evaluate(username, password)
	s.logs.credential(s.ip, username, password, n, v)

	switch v {
	case verdictAdmit:
		s.mu.Lock()
		if s.user == "" {
			s.user = username
		}
		s.mu.Unlock()
		s.fire(evAuthAdmit)
		s.logs.app.Info("access granted", zap.String("ip", s.ip), zap.String("username", username), zap.Int("attempt", n))
	case verdictUnknownUser:
		s.fire(evAuthReject)
		// No further attempts on this connection.
		s.conn.Close()
	default:
		s.fire(evAuthDeny)
	}
	return v
}

func (s *session) OnChannelOpen(kind string) bool {
	return kind == "session" && s.State() == stateAwaitingShell
}

func (s *session) OnPtyRequest() bool { return true }

func (s *session) OnShellRequest() {
	s.shellOnce.Do(func() { close(s.shellReq) })
}

// waitShell blocks until the client asks for a shell, the shell timeout
// passes, or closed fires. It reports whether a shell should be started.
func (s *session) waitShell(closed <-chan struct{}) bool {
	t := time.NewTimer(s.cfg.ShellTimeout)
	defer t.Stop()

	select {
	case <-s.shellReq:
		return s.fire(evShellRequested) == stateInteractive
	case <-t.C:
		s.fire(evShellTimeout)
		s.logs.app.Info("shell request not received", zap.String("ip", s.ip))
	case <-closed:
		s.fire(evClosed)
	}
	return false
}

// runShell drives the interactive loop over ch until exit, idle timeout or
// an I/O error, then closes ch.
func (s *session) runShell(ch io.ReadWriteCloser, sessionID []byte) {
	defer ch.Close()
	defer s.fire(evClosed)

	user := s.User()
	slog, err := s.logs.newSessionLogger(s.ip, user, sessionID)
	if err != nil {
		s.logs.app.Error("session log", zap.String("ip", s.ip), zap.Error(err))
		slog = &sessionLogger{Logger: s.logs.app.With(zap.String("ip", s.ip), zap.String("user", user))}
	}
	defer slog.close()
	slog.Info("session started")

	sh := newFakeShell(user, s.files)
	sh.onWrite = func(name string) {
		slog.Info("file written", zap.String("file", name))
	}
	ed := newLineEditor(s.cfg.MaxLineLength)

	if _, err := io.WriteString(ch, msgWelcome+sh.prompt()); err != nil {
		s.fire(evIOError)
		slog.Info("session ended", zap.String("reason", "write failed"), zap.Error(err))
		return
	}

	in := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		buf := make([]byte, readChunkSize)
		for {
			n, err := ch.Read(buf)
			if n > 0 {
				select {
				case in <- append([]byte(nil), buf[:n]...):
				case <-done:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case p := <-in:
			last = time.Now()
			if reason, end := s.handleInput(ch, ed, sh, slog, p); end {
				slog.Info("session ended", zap.String("reason", reason), zap.Strings("history", ed.History()))
				return
			}

		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				s.fire(evClosed)
				slog.Info("session ended", zap.String("reason", "client closed"), zap.Strings("history", ed.History()))
				return
			}
			io.WriteString(ch, "Error: "+err.Error()+"\r\n") //nolint:errcheck
			s.fire(evIOError)
			slog.Warn("session ended", zap.String("reason", "read failed"), zap.Error(err))
			return

		case now := <-ticker.C:
			if now.Sub(last) >= s.cfg.IdleTimeout {
				io.WriteString(ch, msgIdle) //nolint:errcheck
				s.fire(evIdleTimeout)
				slog.Info("session ended", zap.String("reason", "idle timeout"), zap.Strings("history", ed.History()))
				return
			}
		}
	}
}

// handleInput feeds one received chunk through the editor and interpreter.
// It returns true, with a reason, when the session must end.
func (s *session) handleInput(w io.Writer, ed *lineEditor, sh *fakeShell, slog *sessionLogger, p []byte) (string, bool) {
	steps, err := ed.Feed(p)
	if err != nil {
		slog.Warn("input discarded", zap.Int("max_line_length", s.cfg.MaxLineLength), zap.Error(err))
	}

	for _, st := range steps {
		out := st.echo
		var ctl control
		if st.eol {
			if st.line != "" {
				slog.Info("command", zap.String("command", st.line))
			}
			var resp string
			resp, ctl = sh.Execute(st.line)
			out = append(out, resp...)
		}
		if _, err := w.Write(out); err != nil {
			s.fire(evIOError)
			return "write failed: " + err.Error(), true
		}
		if ctl == ctlExit {
			s.fire(evExit)
			return "exit", true
		}
	}
	return "", false
}
