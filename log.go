package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// loggers bundles the operator log, the credential capture log and the
// location of per-session logs.
type loggers struct {
	app        *zap.Logger
	cred       *zap.Logger
	sessionDir string
	level      zap.AtomicLevel
	files      []*os.File
	credIsApp  bool // no capture file, credentials go to the app log only
}

func fileEncoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.MessageKey = "msg"
	enc.EncodeTime = func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(t.UTC().Format(time.RFC3339Nano))
	}
	return enc
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

func newLoggers(cfg Config) (*loggers, error) {
	l := &loggers{level: zap.NewAtomicLevelAt(zap.InfoLevel)}
	if cfg.Debug {
		l.level.SetLevel(zap.DebugLevel)
	}

	consoleEnc := zap.NewProductionEncoderConfig()
	if cfg.Debug {
		consoleEnc = zap.NewDevelopmentEncoderConfig()
	}
	consoleEnc.EncodeTime = func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(t.Format(time.RFC3339))
	}
	console := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEnc), zapcore.Lock(os.Stderr), l.level)

	if cfg.LogDir == "" {
		l.app = zap.New(console, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
		l.cred = l.app.Named("auth")
		l.credIsApp = true
		return l, nil
	}

	l.sessionDir = cfg.sessionDir()
	for _, d := range []string{cfg.LogDir, l.sessionDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, errors.Wrapf(err, "mkdir %s", d)
		}
	}

	appFile, err := openAppend(cfg.appLogPath())
	if err != nil {
		return nil, errors.Wrap(err, "open app log")
	}
	credFile, err := openAppend(cfg.credLogPath())
	if err != nil {
		appFile.Close()
		return nil, errors.Wrap(err, "open credential log")
	}
	l.files = append(l.files, appFile, credFile)

	l.app = zap.New(
		zapcore.NewTee(
			console,
			zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig()), zapcore.Lock(appFile), l.level),
		),
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	)
	l.cred = zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig()), zapcore.Lock(credFile), zap.InfoLevel))
	return l, nil
}

// credential records one gate evaluation in the capture log and the app log.
func (l *loggers) credential(ip, username, password string, attempt int, v verdict) {
	fields := []zap.Field{
		zap.String("ip", ip),
		zap.String("username", username),
		zap.String("password", password),
		zap.Int("attempt", attempt),
		zap.Stringer("verdict", v),
	}
	l.cred.Info("auth attempt", fields...)
	if !l.credIsApp {
		l.app.Info("auth attempt", fields...)
	}
}

func (l *loggers) sync() {
	l.app.Sync()  //nolint:errcheck
	l.cred.Sync() //nolint:errcheck
	for _, f := range l.files {
		f.Close()
	}
}

// sessionLogger writes one session's events both to the app log and, when a
// log dir is configured, to a file of its own.
type sessionLogger struct {
	*zap.Logger
	f *os.File
}

func (l *loggers) newSessionLogger(ip, user string, sessionID []byte) (*sessionLogger, error) {
	fields := zap.Fields(
		zap.String("ip", ip),
		zap.String("user", user),
		zap.Binary("session_id", sessionID),
	)
	if l.sessionDir == "" {
		return &sessionLogger{Logger: l.app.WithOptions(fields)}, nil
	}

	ts := time.Now().UTC().Format("20060102_150405")
	safe := strings.NewReplacer(":", "_", ".", "_", "[", "", "]", "").Replace(ip)
	path := filepath.Join(l.sessionDir, safe+"_"+ts+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open session log")
	}

	core := zapcore.NewTee(
		l.app.Core(),
		zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig()), zapcore.Lock(f), zap.DebugLevel),
	)
	return &sessionLogger{Logger: zap.New(core, fields), f: f}, nil
}

func (s *sessionLogger) close() {
	s.Sync() //nolint:errcheck
	if s.f != nil {
		s.f.Close()
	}
}
