package main

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest/observer"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from sessionState
		ev   sessionEvent
		want sessionState
	}{
		{stateAwaitingAuth, evAuthDeny, stateAwaitingAuth},
		{stateAwaitingAuth, evAuthAdmit, stateAwaitingShell},
		{stateAwaitingAuth, evAuthReject, stateTerminated},
		{stateAwaitingAuth, evShellRequested, stateAwaitingAuth},
		{stateAwaitingAuth, evClosed, stateTerminated},

		{stateAwaitingShell, evShellRequested, stateInteractive},
		{stateAwaitingShell, evShellTimeout, stateTerminated},
		{stateAwaitingShell, evAuthAdmit, stateAwaitingShell},
		{stateAwaitingShell, evClosed, stateTerminated},

		{stateInteractive, evExit, stateTerminated},
		{stateInteractive, evIdleTimeout, stateTerminated},
		{stateInteractive, evIOError, stateTerminated},
		{stateInteractive, evClosed, stateTerminated},
		{stateInteractive, evShellRequested, stateInteractive},
		{stateInteractive, evAuthReject, stateInteractive},

		{stateTerminated, evAuthAdmit, stateTerminated},
		{stateTerminated, evShellRequested, stateTerminated},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			require.Equal(t, tt.want, transition(tt.from, tt.ev))
		})
	}
}

func newTestSession(t *testing.T, cfg Config) (*session, net.Conn, *observer.ObservedLogs) {
	t.Helper()
	logs, obs := newTestLoggers()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	s := newSession(cfg, newAttemptGate(users("root"), 0), newFileStore(cfg.FileExt), logs, server)
	return s, client, obs
}

func TestDecideAuthUnknownUserClosesConn(t *testing.T) {
	s, peer, obs := newTestSession(t, testConfig())

	require.Equal(t, verdictUnknownUser, s.DecideAuth("ghost", "pw"))
	require.Equal(t, stateTerminated, s.State())
	require.False(t, s.gate.tracked("ghost"))

	_, err := peer.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	entries := obs.FilterMessage("auth attempt").All()
	require.Len(t, entries, 1)
	require.Equal(t, "unknown-user", entries[0].ContextMap()["verdict"])
	require.Equal(t, "ghost", entries[0].ContextMap()["username"])
}

func TestDecideAuthDenyThenAdmit(t *testing.T) {
	logs, obs := newTestLoggers()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	s := newSession(testConfig(), newAttemptGate(users("root"), 2), newFileStore(".txt"), logs, server)

	require.Equal(t, verdictDeny, s.DecideAuth("root", "a"))
	require.Equal(t, verdictDeny, s.DecideAuth("root", "b"))
	require.Equal(t, stateAwaitingAuth, s.State())
	require.False(t, s.OnChannelOpen("session"))

	require.Equal(t, verdictAdmit, s.DecideAuth("root", "c"))
	require.Equal(t, stateAwaitingShell, s.State())
	require.Equal(t, "root", s.User())

	require.True(t, s.OnChannelOpen("session"))
	require.False(t, s.OnChannelOpen("direct-tcpip"))
	require.True(t, s.OnPtyRequest())

	entries := obs.FilterMessage("auth attempt").All()
	require.Len(t, entries, 3)
	require.EqualValues(t, 3, entries[2].ContextMap()["attempt"])
	require.Equal(t, "admit", entries[2].ContextMap()["verdict"])
}

func TestWaitShell(t *testing.T) {
	cfg := testConfig()
	cfg.ShellTimeout = 20 * time.Millisecond

	s, _, _ := newTestSession(t, cfg)
	s.DecideAuth("root", "pw")
	require.False(t, s.waitShell(nil))
	require.Equal(t, stateTerminated, s.State())

	s, _, _ = newTestSession(t, cfg)
	s.DecideAuth("root", "pw")
	s.OnShellRequest()
	s.OnShellRequest()
	require.True(t, s.waitShell(nil))
	require.Equal(t, stateInteractive, s.State())

	s, _, _ = newTestSession(t, cfg)
	s.DecideAuth("root", "pw")
	closed := make(chan struct{})
	close(closed)
	require.False(t, s.waitShell(closed))
	require.Equal(t, stateTerminated, s.State())
}

// expectRead reads exactly len(want) bytes from r and compares them.
func expectRead(t *testing.T, r io.Reader, want string) {
	t.Helper()
	got := make(chan string, 1)
	go func() {
		buf := make([]byte, len(want))
		n, _ := io.ReadFull(r, buf)
		got <- string(buf[:n])
	}()
	select {
	case g := <-got:
		require.Equal(t, want, g)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

// startShell runs an admitted session's shell loop over a pipe and returns
// the client end.
func startShell(t *testing.T, cfg Config) (*session, net.Conn, <-chan struct{}, *observer.ObservedLogs) {
	t.Helper()
	s, _, obs := newTestSession(t, cfg)
	require.Equal(t, verdictAdmit, s.DecideAuth("root", "pw"))
	s.OnShellRequest()
	require.True(t, s.waitShell(nil))

	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runShell(server, []byte("sid"))
	}()
	return s, client, done, obs
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shell loop did not stop")
	}
}

func TestRunShellCommandsAndExit(t *testing.T) {
	s, client, done, obs := startShell(t, testConfig())
	prompt := "root@honeypot:/$ "

	expectRead(t, client, "\r\nAccess granted. Welcome to the honeypot.\r\n"+prompt)

	_, err := client.Write([]byte(`echo "hi" > a.txt` + "\r"))
	require.NoError(t, err)
	expectRead(t, client, `echo "hi" > a.txt`+"\r\n"+prompt)

	for _, b := range []byte("cat a.txt") {
		_, err = client.Write([]byte{b})
		require.NoError(t, err)
		expectRead(t, client, string(b))
	}
	_, err = client.Write([]byte("\r"))
	require.NoError(t, err)
	expectRead(t, client, "\r\nhi\r\n"+prompt)

	_, err = client.Write([]byte("exit\r"))
	require.NoError(t, err)
	expectRead(t, client, "exit\r\nExiting honeypot. Goodbye!\r\n")

	waitDone(t, done)
	require.Equal(t, stateTerminated, s.State())

	cmds := obs.FilterMessage("command").All()
	require.Len(t, cmds, 3)
	require.Equal(t, "cat a.txt", cmds[1].ContextMap()["command"])

	written := obs.FilterMessage("file written").All()
	require.Len(t, written, 1)
	require.Equal(t, "a.txt", written[0].ContextMap()["file"])

	ended := obs.FilterMessage("session ended").All()
	require.Len(t, ended, 1)
	require.Equal(t, "exit", ended[0].ContextMap()["reason"])
}

func TestRunShellIdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond

	s, client, done, obs := startShell(t, cfg)
	expectRead(t, client, msgWelcome+"root@honeypot:/$ ")
	expectRead(t, client, "\r\nConnection terminated due to inactivity.\r\n")

	waitDone(t, done)
	require.Equal(t, stateTerminated, s.State())
	ended := obs.FilterMessage("session ended").All()
	require.Len(t, ended, 1)
	require.Equal(t, "idle timeout", ended[0].ContextMap()["reason"])
}

func TestRunShellClientClose(t *testing.T) {
	s, client, done, obs := startShell(t, testConfig())
	expectRead(t, client, msgWelcome+"root@honeypot:/$ ")
	require.NoError(t, client.Close())

	waitDone(t, done)
	require.Equal(t, stateTerminated, s.State())
	ended := obs.FilterMessage("session ended").All()
	require.Len(t, ended, 1)
	require.Equal(t, "client closed", ended[0].ContextMap()["reason"])
}

func TestRunShellLineTooLong(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLineLength = 4

	_, client, _, obs := startShell(t, cfg)
	expectRead(t, client, msgWelcome+"root@honeypot:/$ ")

	_, err := client.Write([]byte("lsxyz"))
	require.NoError(t, err)
	expectRead(t, client, "lsxy\a")
	require.Len(t, obs.FilterMessage("input discarded").All(), 1)
}
