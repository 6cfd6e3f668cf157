package steps

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/qiniu/sitedeploy/internal/deploy/command"
	"github.com/qiniu/sitedeploy/internal/deploy/model"
)

// installer is a dependency manifest and the command that installs it.
type installer struct {
	manifest string
	name     string
	args     []string
}

// installers in detection priority order.
var installers = []installer{
	{"package-lock.json", "npm", []string{"ci"}},
	{"package.json", "npm", []string{"install"}},
	{"requirements.txt", "pip", []string{"install", "-r", "requirements.txt"}},
	{"composer.json", "composer", []string{"install", "--no-dev", "--no-interaction"}},
	{"Gemfile", "bundle", []string{"install"}},
	{"go.mod", "go", []string{"mod", "download"}},
}

func (r *Runner) fetch(ctx context.Context, env *Env) model.StepResult {
	dir := env.Site.LocalPath
	src := env.Site.Source
	if !exists(dir) {
		if isRepoURL(src) {
			out, err := r.commands().Run(ctx, "", "git", "clone", src, dir)
			if err != nil {
				return fromError(model.StepFetch, err)
			}
			return success(model.StepFetch, lastLine(out))
		}
		return failure(model.StepFetch, model.ReasonStepFailure, "local path not found: "+dir)
	}
	if !exists(filepath.Join(dir, ".git")) {
		return model.SkippedStep(model.StepFetch, model.ReasonNotApplicable, "not a git checkout")
	}
	args := []string{"pull", "--ff-only"}
	if remote, branch, ok := splitRef(src); ok {
		args = append(args, remote, branch)
	}
	out, err := r.commands().Run(ctx, dir, "git", args...)
	if err != nil {
		return fromError(model.StepFetch, err)
	}
	return success(model.StepFetch, lastLine(out))
}

func (r *Runner) installDeps(ctx context.Context, env *Env) model.StepResult {
	dir := env.Site.LocalPath
	for _, in := range installers {
		if !exists(filepath.Join(dir, in.manifest)) {
			continue
		}
		out, err := r.commands().Run(ctx, dir, in.name, in.args...)
		if err != nil {
			return fromError(model.StepInstallDeps, err)
		}
		res := success(model.StepInstallDeps, command.Line(in.name, in.args...))
		if line := lastLine(out); line != "" {
			res.Detail += ": " + line
		}
		return res
	}
	return model.SkippedStep(model.StepInstallDeps, model.ReasonNotApplicable, "no dependency manifest")
}

func (r *Runner) build(ctx context.Context, env *Env) model.StepResult {
	d := env.Site
	run := r.commands()
	var done []string
	for _, hook := range d.PreDeploy {
		if _, err := command.Shell(ctx, run, d.LocalPath, hook); err != nil {
			return fromError(model.StepBuild, err)
		}
		done = append(done, hook)
	}

	var name string
	var args []string
	switch {
	case d.BuildCommand != "":
		name, args = "sh", []string{"-c", d.BuildCommand}
	case hasBuildScript(filepath.Join(d.LocalPath, "package.json")):
		name, args = "npm", []string{"run", "build"}
	case exists(filepath.Join(d.LocalPath, "Makefile")):
		name = "make"
	}
	if name == "" {
		if len(done) == 0 {
			return model.SkippedStep(model.StepBuild, model.ReasonNotApplicable, "no build configured")
		}
		return success(model.StepBuild, "pre_deploy: "+strings.Join(done, "; "))
	}
	out, err := run.Run(ctx, d.LocalPath, name, args...)
	if err != nil {
		return fromError(model.StepBuild, err)
	}
	res := success(model.StepBuild, command.Line(name, args...))
	if line := lastLine(out); line != "" {
		res.Detail += ": " + line
	}
	return res
}

func hasBuildScript(pkgJSON string) bool {
	data, err := os.ReadFile(pkgJSON)
	if err != nil {
		return false
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}
	return strings.TrimSpace(pkg.Scripts["build"]) != ""
}

// splitRef turns "origin/main" into ("origin", "main") and a bare "main"
// into ("origin", "main"). URLs are not refs.
func splitRef(src string) (string, string, bool) {
	src = strings.TrimSpace(src)
	if src == "" || isRepoURL(src) {
		return "", "", false
	}
	if remote, branch, ok := strings.Cut(src, "/"); ok && remote != "" && branch != "" {
		return remote, branch, true
	}
	return "origin", src, true
}

func isRepoURL(src string) bool {
	return strings.Contains(src, "://") || strings.HasPrefix(src, "git@") || strings.HasSuffix(src, ".git")
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
