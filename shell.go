package main

import (
	"fmt"
	"strings"
)

type control int

const (
	ctlNone control = iota
	ctlClear
	ctlExit
)

const (
	promptHost  = "honeypot"
	clearScreen = "\x1b[2J\x1b[H"

	msgGoodbye       = "Exiting honeypot. Goodbye!\r\n"
	msgNotFound      = "Command not found\r\n"
	msgInvalidFormat = "Invalid command format\r\n"
	msgUnknownExt    = "unknown file extension\r\n"
)

// fakeShell interprets completed command lines for one session against the
// shared file store.
type fakeShell struct {
	user  string
	files *fileStore

	// onWrite, if set, is called with the name of every file a command
	// actually stored.
	onWrite func(name string)
}

func newFakeShell(user string, files *fileStore) *fakeShell {
	return &fakeShell{user: user, files: files}
}

func (s *fakeShell) prompt() string {
	return s.user + "@" + promptHost + ":/$ "
}

// Execute runs one command line and returns everything that should be written
// back to the client, including the trailing prompt. ctlExit means the session
// must end after the output is sent.
func (s *fakeShell) Execute(line string) (string, control) {
	var verb string
	if f := strings.Fields(line); len(f) > 0 {
		verb = f[0]
	}

	switch verb {
	case "clear":
		return clearScreen + s.prompt(), ctlClear
	case "exit":
		return msgGoodbye, ctlExit
	}
	return s.dispatch(verb, line) + s.prompt(), ctlNone
}

func (s *fakeShell) dispatch(verb, line string) string {
	switch verb {
	case "ls":
		return s.cmdLS()
	case "echo":
		return s.cmdEcho(line)
	case "cat":
		return s.cmdCat(line)
	case "cp":
		return s.cmdCP(line)
	}
	return msgNotFound
}

func (s *fakeShell) cmdLS() string {
	names := s.files.names()
	if len(names) == 0 {
		return ""
	}
	return strings.Join(names, " ") + "\r\n"
}

// cmdEcho handles the only supported form: echo "<content>" > <file>.
func (s *fakeShell) cmdEcho(line string) string {
	if strings.Count(line, ">") != 1 {
		return msgInvalidFormat
	}
	i := strings.IndexByte(line, '>')
	quoted := strings.SplitN(line[:i], `"`, 3)
	if len(quoted) < 3 {
		return msgInvalidFormat
	}
	content := quoted[1]
	name := strings.TrimSpace(line[i+1:])

	if !s.files.allowed(name) {
		return msgUnknownExt
	}
	s.files.put(name, content)
	s.written(name)
	return ""
}

func (s *fakeShell) written(name string) {
	if s.onWrite != nil {
		s.onWrite(name)
	}
}

func (s *fakeShell) cmdCat(line string) string {
	args := strings.Fields(line)
	if len(args) < 2 {
		return msgInvalidFormat
	}
	name := args[1]
	if !s.files.allowed(name) {
		return msgUnknownExt
	}
	content, ok := s.files.get(name)
	if !ok {
		return fmt.Sprintf("File %s not found\r\n", name)
	}
	return content + "\r\n"
}

func (s *fakeShell) cmdCP(line string) string {
	args := strings.Fields(line)
	if len(args) != 3 {
		return msgInvalidFormat
	}
	src, dst := args[1], args[2]
	if !s.files.allowed(src) || !s.files.allowed(dst) {
		return msgUnknownExt
	}
	if !s.files.copy(src, dst) {
		return fmt.Sprintf("File %s not found\r\n", src)
	}
	s.written(dst)
	return ""
}
