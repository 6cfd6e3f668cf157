package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/site"
)

// testServer accepts one user key and answers exec requests from a table.
type testServer struct {
	addr    string
	hostKey ssh.PublicKey

	mu    sync.Mutex
	execs []string
}

type reply struct {
	out  string
	code uint32
}

func startServer(t *testing.T, clientKey ssh.PublicKey, replies map[string]reply) *testServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(clientKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := &testServer{addr: ln.Addr().String(), hostKey: hostSigner.PublicKey()}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn, cfg, replies)
		}
	}()
	return srv
}

func (s *testServer) serve(conn net.Conn, cfg *ssh.ServerConfig, replies map[string]reply) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range creqs {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				s.mu.Lock()
				s.execs = append(s.execs, payload.Command)
				s.mu.Unlock()

				r := replies[payload.Command]
				_, _ = ch.Write([]byte(r.out))
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{r.code}))
				return
			}
		}()
	}
}

func (s *testServer) target(t *testing.T) site.RemoteTarget {
	host, portStr, err := net.SplitHostPort(s.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return site.RemoteTarget{Host: host, Port: port, User: "deploy", Path: "/srv/site"}
}

func (s *testServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

func writeClientKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return path, sshPub
}

func TestSSHExec_RunsCommandsInOrder(t *testing.T) {
	keyFile, pub := writeClientKey(t)
	srv := startServer(t, pub, map[string]reply{
		"cd /srv/site && php artisan migrate": {out: "migrated\n"},
		"sudo systemctl reload php-fpm":       {out: ""},
	})

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{srv.addr}, srv.hostKey)
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0o600))

	exec := SSH{KnownHostsFile: knownHosts}
	out, err := exec.Exec(context.Background(), srv.target(t), site.Credentials{User: "deploy", KeyFile: keyFile},
		"cd /srv/site && php artisan migrate", "sudo systemctl reload php-fpm")
	require.NoError(t, err)
	assert.Equal(t, "migrated\n", out)
	assert.Equal(t, []string{"cd /srv/site && php artisan migrate", "sudo systemctl reload php-fpm"}, srv.executed())
}

func TestSSHExec_StopsAtFirstFailure(t *testing.T) {
	keyFile, pub := writeClientKey(t)
	srv := startServer(t, pub, map[string]reply{
		"false": {out: "nope", code: 1},
	})
	target := srv.target(t)
	target.Insecure = true

	_, err := SSH{}.Exec(context.Background(), target, site.Credentials{User: "deploy", KeyFile: keyFile}, "false", "echo never")
	require.Error(t, err)
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, model.ReasonStepFailure, rerr.Reason)
	assert.Equal(t, "false", rerr.Command)
	assert.Contains(t, err.Error(), "exit status 1")
	assert.Equal(t, []string{"false"}, srv.executed())
}

func TestSSHExec_WrongKeyIsAuthFailure(t *testing.T) {
	_, pub := writeClientKey(t)
	otherKey, _ := writeClientKey(t)
	srv := startServer(t, pub, nil)
	target := srv.target(t)
	target.Insecure = true

	_, err := SSH{}.Exec(context.Background(), target, site.Credentials{User: "deploy", KeyFile: otherKey}, "true")
	require.Error(t, err)
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, model.ReasonAuthFailure, rerr.Reason)
}

func TestSSHExec_UnknownHostKeyIsAuthFailure(t *testing.T) {
	keyFile, pub := writeClientKey(t)
	srv := startServer(t, pub, nil)
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(knownHosts, nil, 0o600))

	_, err := SSH{KnownHostsFile: knownHosts}.Exec(context.Background(), srv.target(t), site.Credentials{User: "deploy", KeyFile: keyFile}, "true")
	require.Error(t, err)
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, model.ReasonAuthFailure, rerr.Reason)
}

func TestSSHExec_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	keyFile, _ := writeClientKey(t)
	target := site.RemoteTarget{Host: "127.0.0.1", Port: addr.Port, Insecure: true}
	_, err = SSH{}.Exec(context.Background(), target, site.Credentials{User: "deploy", KeyFile: keyFile}, "true")
	require.Error(t, err)
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, model.ReasonNetworkUnreachable, rerr.Reason)
}

func TestSSHExec_DryRun(t *testing.T) {
	out, err := SSH{DryRun: true}.Exec(context.Background(), site.RemoteTarget{Host: "nowhere.invalid", Port: 22}, site.Credentials{}, "reboot")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLoadSigner_EncryptedWithoutPassphrase(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("hunter2"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_enc")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	_, err = loadSigner(path, "")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "encrypted"))

	signer, err := loadSigner(path, "hunter2")
	require.NoError(t, err)
	assert.NotNil(t, signer)
}
