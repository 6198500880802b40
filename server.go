package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

func loadOrGenHostKey(path string, log *zap.Logger) (ssh.Signer, error) {
	if data, err := os.ReadFile(path); err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, errors.Wrapf(err, "parse host key %s", path)
		}
		return signer, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read host key")
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "generate host key")
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, errors.Wrap(err, "write host key")
	}
	log.Info("generated new host key", zap.String("path", path))
	return ssh.NewSignerFromKey(key)
}

// server accepts connections and runs one session per connection. The gate
// and file store are shared by every session it starts.
type server struct {
	cfg     Config
	gate    *attemptGate
	files   *fileStore
	logs    *loggers
	hostKey ssh.Signer
	wg      sync.WaitGroup
}

func newServer(cfg Config, users map[string]struct{}, hostKey ssh.Signer, logs *loggers) *server {
	return &server{
		cfg:     cfg,
		gate:    newAttemptGate(users, cfg.AdmitAfter),
		files:   newFileStore(cfg.FileExt),
		logs:    logs,
		hostKey: hostKey,
	}
}

// sshConfig binds a fresh transport config to one connection's hooks.
func (srv *server) sshConfig(h Hooks) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		ServerVersion: srv.cfg.ServerVersion,
		MaxAuthTries:  srv.cfg.MaxAuthTries,
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			switch h.DecideAuth(conn.User(), string(password)) {
			case verdictAdmit:
				return &ssh.Permissions{}, nil
			case verdictUnknownUser:
				return nil, errUnknownUser
			}
			return nil, errBadPassword
		},
	}
	cfg.AddHostKey(srv.hostKey)
	return cfg
}

// serve accepts on ln until ctx is cancelled, then waits for running
// sessions to wind down.
func (srv *server) serve(ctx context.Context, ln net.Listener) error {
	defer srv.wg.Wait()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	sem := make(chan struct{}, srv.cfg.MaxConns)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "accept")
		}

		select {
		case sem <- struct{}{}:
			srv.wg.Add(1)
			go func() {
				defer srv.wg.Done()
				defer func() { <-sem }()
				srv.handleConn(ctx, conn)
			}()
		default:
			srv.logs.app.Warn("connection limit reached", zap.String("ip", conn.RemoteAddr().String()))
			conn.Close()
		}
	}
}

func (srv *server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ip := conn.RemoteAddr().String()
	log := srv.logs.app.With(zap.String("ip", ip))

	defer func() {
		if r := recover(); r != nil {
			log.Error("session panic", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connDone:
		}
	}()

	log.Info("connection opened")
	defer log.Info("connection closed")

	sess := newSession(srv.cfg, srv.gate, srv.files, srv.logs, conn)

	conn.SetDeadline(time.Now().Add(srv.cfg.AuthTimeout)) //nolint:errcheck
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, srv.sshConfig(sess))
	if err != nil {
		if sess.State() == stateTerminated {
			log.Info("unknown username rejected")
		} else {
			log.Debug("handshake failed", zap.Error(err))
		}
		sess.fire(evClosed)
		return
	}
	defer sshConn.Close()
	conn.SetDeadline(time.Time{}) //nolint:errcheck
	go ssh.DiscardRequests(reqs)

	ch, chReqs, ok := srv.acceptSession(sess, chans, log)
	if !ok {
		sess.fire(evClosed)
		return
	}
	defer ch.Close()

	reqDone := make(chan struct{})
	go func() {
		defer close(reqDone)
		serveSessionRequests(chReqs, sess)
	}()

	if !sess.waitShell(reqDone) {
		return
	}
	sess.runShell(ch, sshConn.SessionID())
}

// acceptSession waits for the client's session channel. Any channel after the
// first one is refused.
func (srv *server) acceptSession(h Hooks, chans <-chan ssh.NewChannel, log *zap.Logger) (ssh.Channel, <-chan *ssh.Request, bool) {
	t := time.NewTimer(srv.cfg.ChannelTimeout)
	defer t.Stop()

	for {
		select {
		case nc, ok := <-chans:
			if !ok {
				return nil, nil, false
			}
			if !h.OnChannelOpen(nc.ChannelType()) {
				log.Debug("channel refused", zap.String("type", nc.ChannelType()))
				nc.Reject(ssh.UnknownChannelType, "unknown channel type") //nolint:errcheck
				continue
			}
			ch, reqs, err := nc.Accept()
			if err != nil {
				log.Warn("channel accept failed", zap.Error(err))
				return nil, nil, false
			}
			go func() {
				for nc := range chans {
					nc.Reject(ssh.Prohibited, "only one session per connection") //nolint:errcheck
				}
			}()
			return ch, reqs, true
		case <-t.C:
			log.Info("no channel opened")
			return nil, nil, false
		}
	}
}

// serveSessionRequests answers the out-of-band requests of the session
// channel until the channel closes.
func serveSessionRequests(reqs <-chan *ssh.Request, h Hooks) {
	for req := range reqs {
		ok := false
		switch req.Type {
		case "pty-req":
			ok = h.OnPtyRequest()
		case "env", "window-change":
			ok = true
		case "shell":
			h.OnShellRequest()
			ok = true
		}
		if req.WantReply {
			req.Reply(ok, nil) //nolint:errcheck
		}
	}
}

// runServer wires the allow-list, host key and listener together and serves
// until ctx is cancelled.
func runServer(ctx context.Context, cfg Config, logs *loggers) error {
	users, err := loadUsernames(cfg.UsersFile)
	if err != nil {
		return err
	}
	hostKey, err := loadOrGenHostKey(cfg.HostKey, logs.app)
	if err != nil {
		return errors.Wrap(err, "host key")
	}

	ln, err := net.Listen("tcp", cfg.addr())
	if err != nil {
		return errors.Wrapf(err, "listen %s", cfg.addr())
	}

	logs.app.Info("honeypot listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("usernames", len(users)),
		zap.Int("admit_after", cfg.AdmitAfter),
		zap.Int("max_conns", cfg.MaxConns),
		zap.String("log_dir", cfg.LogDir))

	return newServer(cfg, users, hostKey, logs).serve(ctx, ln)
}
