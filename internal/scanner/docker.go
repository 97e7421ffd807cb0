package scanner

import (
	"context"
	"os/exec"
	"path/filepath"
	"time"
)

// isDockerAvailable returns true if the Docker daemon is reachable.
func isDockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}")
	return cmd.Run() == nil
}

// dockerRun builds an exec.Cmd that runs the scanner inside a Docker container.
// repoPath is mounted read-only at /scan inside the container.
func dockerRun(ctx context.Context, image, repoPath string, args []string) *exec.Cmd {
	dockerArgs := []string{
		"run", "--rm",
		"--network", "host",
		"-v", repoPath + ":" + containerScanPath + ":ro",
	}
	dockerArgs = append(dockerArgs, image)
	dockerArgs = append(dockerArgs, args...)
	return exec.CommandContext(ctx, "docker", dockerArgs...)
}

// resolveBinary returns the full path of name from binDir or PATH.
func resolveBinary(name, binDir string) (string, error) {
	if binDir != "" {
		if p, err := exec.LookPath(filepath.Join(binDir, name)); err == nil {
			return p, nil
		}
	}
	return exec.LookPath(name)
}

// Available reports, per scanner, whether it can run locally or via docker.
func (r *Runner) Available(ctx context.Context) map[string]string {
	out := make(map[string]string, len(r.adapters))
	for kind, a := range r.adapters {
		switch p, err := resolveBinary(a.Binary(), r.opts.BinDir); {
		case err == nil && !r.opts.PreferDocker:
			out[string(kind)] = p
		case r.dockerAvailable(ctx):
			out[string(kind)] = "docker:" + a.DockerImage()
		default:
			out[string(kind)] = ""
		}
	}
	return out
}
