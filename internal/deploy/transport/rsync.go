package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/sitedeploy/internal/deploy/command"
	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/site"
)

// Rsync mirrors over SSH using the rsync binary.
type Rsync struct {
	opts Options
}

// NewRsync returns the SSH transport.
func NewRsync(opts Options) *Rsync {
	return &Rsync{opts: opts.withDefaults()}
}

func (t *Rsync) Method() site.Method { return site.MethodSSH }

func (t *Rsync) Sync(ctx context.Context, localPath string, target site.RemoteTarget, creds site.Credentials, excludes []string) (*model.TransportResult, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("local path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local path %s is not a directory", localPath)
	}
	args := rsyncArgs(localPath, target, creds, NewExcluder(DefaultExcludes, t.opts.Excludes, excludes))
	if t.opts.DryRun {
		log.Info().Str("cmd", command.Line("rsync", args...)).Msg("dry-run: skipping rsync")
		return &model.TransportResult{DryRun: true}, nil
	}
	if creds.KeyPassphrase != "" {
		// rsync drives the ssh client; an encrypted key must already be in the agent
		log.Debug().Str("host", target.Host).Msg("key passphrase ignored by rsync, relying on ssh-agent")
	}

	out, err := t.opts.Runner.Run(ctx, "", "rsync", args...)
	res := parseItemized(out)
	if err != nil {
		return res, newError(classifyRsync(ctx, err, out), "rsync to "+target.Address(), err)
	}
	return res, nil
}

func rsyncArgs(localPath string, target site.RemoteTarget, creds site.Credentials, ex Excluder) []string {
	args := []string{"-rlptz", "--delete", "--itemize-changes"}
	for _, p := range ex {
		args = append(args, "--exclude="+p)
	}
	args = append(args, "-e", sshCommand(target, creds))

	src := filepath.Clean(localPath) + string(filepath.Separator)
	remote := strings.TrimSuffix(target.Path, "/") + "/"
	user := creds.User
	if user == "" {
		user = target.User
	}
	dst := target.Host + ":" + remote
	if user != "" {
		dst = user + "@" + dst
	}
	return append(args, src, dst)
}

func sshCommand(target site.RemoteTarget, creds site.Credentials) string {
	port := target.Port
	if port == 0 {
		port = site.DefaultSSHPort
	}
	parts := []string{"ssh", "-p", strconv.Itoa(port), "-o", "BatchMode=yes"}
	if creds.KeyFile != "" {
		parts = append(parts, "-i", creds.KeyFile)
	}
	if target.Insecure {
		parts = append(parts, "-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null")
	}
	return strings.Join(parts, " ")
}

// parseItemized counts --itemize-changes lines. Attribute-only updates
// (leading '.') are not changes.
func parseItemized(out string) *model.TransportResult {
	res := &model.TransportResult{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "*deleting") {
			if !strings.HasSuffix(line, "/") {
				res.Deleted++
			}
			continue
		}
		if len(line) < 12 || line[11] != ' ' {
			continue
		}
		code := line[:11]
		if code[1] != 'f' {
			continue
		}
		switch code[0] {
		case '<', '>', 'c':
			res.Uploaded++
		case '.':
			res.Unchanged++
		}
	}
	return res
}

func classifyRsync(ctx context.Context, err error, out string) model.Reason {
	if ctx.Err() != nil {
		return model.ReasonPartialTransfer
	}
	lower := strings.ToLower(out)
	var exitErr *command.ExitError
	code := -1
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	}
	switch {
	case strings.Contains(lower, "permission denied (publickey") ||
		strings.Contains(lower, "host key verification failed") ||
		strings.Contains(lower, "authentication failed"):
		return model.ReasonAuthFailure
	case strings.Contains(lower, "could not resolve hostname") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection timed out") ||
		strings.Contains(lower, "no route to host") ||
		strings.Contains(lower, "network is unreachable"):
		return model.ReasonNetworkUnreachable
	case code == 3 || strings.Contains(lower, "no such file or directory"):
		return model.ReasonRemotePathInvalid
	case code == 23 || code == 24 || code == 11 || code == 20:
		return model.ReasonPartialTransfer
	case code == 255:
		return model.ReasonAuthFailure
	case code == 5 || code == 10 || code == 12 || code == 30 || code == 35:
		return model.ReasonNetworkUnreachable
	}
	return model.ReasonStepFailure
}
