// Package remote runs commands on a site's host over SSH.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/site"
)

// Executor runs shell commands on a remote host, in order, over one connection.
// Execution stops at the first failing command.
type Executor interface {
	Exec(ctx context.Context, target site.RemoteTarget, creds site.Credentials, commands ...string) (string, error)
}

// Error is a failed remote session.
type Error struct {
	Reason  model.Reason
	Command string
	Err     error
}

func (e *Error) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Reason, e.Command, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// SSH is the x/crypto/ssh backed Executor.
type SSH struct {
	DialTimeout time.Duration
	// KnownHostsFile defaults to ~/.ssh/known_hosts. Ignored for insecure targets.
	KnownHostsFile string
	DryRun         bool
}

func (s SSH) Exec(ctx context.Context, target site.RemoteTarget, creds site.Credentials, commands ...string) (string, error) {
	if len(commands) == 0 {
		return "", nil
	}
	if s.DryRun {
		for _, c := range commands {
			log.Info().Str("host", target.Host).Str("cmd", c).Msg("dry-run: skipping remote command")
		}
		return "", nil
	}

	cfg, closeAgent, err := s.clientConfig(target, creds)
	if err != nil {
		return "", err
	}
	defer closeAgent()

	client, err := s.dial(ctx, target, cfg)
	if err != nil {
		return "", err
	}
	defer client.Close()

	// a cancelled context tears the connection down, unblocking the session
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	var out bytes.Buffer
	for _, c := range commands {
		if err := ctx.Err(); err != nil {
			return out.String(), &Error{Reason: model.ReasonCancelled, Command: c, Err: err}
		}
		res, err := runOne(client, c)
		out.Write(res)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out.String(), &Error{Reason: model.ReasonTimeout, Command: c, Err: ctxErr}
			}
			return out.String(), &Error{Reason: model.ReasonStepFailure, Command: c, Err: describe(err, res)}
		}
	}
	return out.String(), nil
}

func runOne(client *ssh.Client, command string) ([]byte, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return session.CombinedOutput(command)
}

func describe(err error, out []byte) error {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 512 {
			msg = "..." + msg[len(msg)-512:]
		}
		if msg != "" {
			return fmt.Errorf("exit status %d: %s", exitErr.ExitStatus(), msg)
		}
		return fmt.Errorf("exit status %d", exitErr.ExitStatus())
	}
	return err
}

func (s SSH) dial(ctx context.Context, target site.RemoteTarget, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	timeout := s.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	addr := target.Address()
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Reason: model.ReasonNetworkUnreachable, Err: err}
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		reason := model.ReasonNetworkUnreachable
		if isAuthError(err) {
			reason = model.ReasonAuthFailure
		}
		return nil, &Error{Reason: reason, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func isAuthError(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "knownhosts:")
}

func (s SSH) clientConfig(target site.RemoteTarget, creds site.Credentials) (*ssh.ClientConfig, func(), error) {
	noop := func() {}
	user := creds.User
	if user == "" {
		user = target.User
	}

	var auth ssh.AuthMethod
	closeAgent := noop
	if creds.KeyFile != "" {
		signer, err := loadSigner(creds.KeyFile, creds.KeyPassphrase)
		if err != nil {
			return nil, noop, &Error{Reason: model.ReasonAuthFailure, Err: err}
		}
		auth = ssh.PublicKeys(signer)
	} else {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, noop, &Error{Reason: model.ReasonAuthFailure, Err: errors.New("no ssh_key configured and SSH_AUTH_SOCK is not set")}
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, noop, &Error{Reason: model.ReasonAuthFailure, Err: fmt.Errorf("ssh agent: %w", err)}
		}
		closeAgent = func() { conn.Close() }
		auth = ssh.PublicKeysCallback(agent.NewClient(conn).Signers)
	}

	hostKey, err := s.hostKeyCallback(target)
	if err != nil {
		closeAgent()
		return nil, noop, &Error{Reason: model.ReasonAuthFailure, Err: err}
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKey,
		Timeout:         s.DialTimeout,
	}, closeAgent, nil
}

func (s SSH) hostKeyCallback(target site.RemoteTarget) (ssh.HostKeyCallback, error) {
	if target.Insecure {
		//nolint:gosec // operator opted out per site
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := s.KnownHostsFile
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	return cb, nil
}

func loadSigner(keyFile, passphrase string) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, fmt.Errorf("key %s is encrypted and no ssh_key_passphrase is set", keyFile)
	}
	return signer, err
}
