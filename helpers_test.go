package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// newTestLoggers returns loggers that keep every entry in memory and write no
// files.
func newTestLoggers() (*loggers, *observer.ObservedLogs) {
	core, obs := observer.New(zap.DebugLevel)
	l := &loggers{
		app:       zap.New(core),
		level:     zap.NewAtomicLevelAt(zap.DebugLevel),
		credIsApp: true,
	}
	l.cred = l.app.Named("auth")
	return l, obs
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.LogDir = ""
	return cfg
}
