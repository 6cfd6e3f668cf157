package steps

import (
	"context"
	"strings"

	"github.com/qiniu/sitedeploy/internal/deploy/remote"
	"github.com/qiniu/sitedeploy/internal/site"
)

// Restarter signals the remote service manager after a transfer. It is
// pluggable so no particular process manager is assumed.
type Restarter interface {
	Restart(ctx context.Context, d site.Descriptor, creds site.Credentials) (string, error)
}

// RemoteRestarter runs post_deploy hooks and then restart_command on the
// site's host, inside its remote path.
type RemoteRestarter struct {
	Exec remote.Executor
}

func (r RemoteRestarter) Restart(ctx context.Context, d site.Descriptor, creds site.Credentials) (string, error) {
	cmds := make([]string, 0, len(d.PostDeploy)+1)
	for _, c := range d.PostDeploy {
		cmds = append(cmds, inDir(d.Remote.Path, c))
	}
	if d.RestartCommand != "" {
		cmds = append(cmds, inDir(d.Remote.Path, d.RestartCommand))
	}
	return r.Exec.Exec(ctx, d.Remote, creds, cmds...)
}

func inDir(dir, cmd string) string {
	if dir == "" {
		return cmd
	}
	return "cd " + shellQuote(dir) + " && " + cmd
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
