// Package provision ensures the host packages and the worker's isolated
// Python environment exist. Installs only happen when something is missing
// and the host is online; everything else is a no-op.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/stationops/keeper/pkg/logging"
)

// ErrOffline reports that required packages are missing and the host has no
// connectivity to install them. Callers treat this as fatal.
var ErrOffline = errors.New("offline")

// CommandRunner executes an external command. Tests substitute a fake.
type CommandRunner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// PackageInstaller installs system packages that are not already present.
type PackageInstaller interface {
	EnsurePackages(ctx context.Context, names []string, online bool) error
}

// AptInstaller checks presence with dpkg and installs via apt-get.
type AptInstaller struct {
	logger *logging.Logger
	run    CommandRunner
}

// NewAptInstaller creates an AptInstaller.
func NewAptInstaller(logger *logging.Logger) *AptInstaller {
	return &AptInstaller{logger: logger, run: execRunner}
}

// EnsurePackages is idempotent: only missing packages are installed.
// Offline with something missing is an error so the caller can decide
// whether the gap is fatal.
func (a *AptInstaller) EnsurePackages(ctx context.Context, names []string, online bool) error {
	var missing []string
	for _, name := range names {
		if a.run(ctx, "dpkg", "-s", name) != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	if !online {
		a.logger.Error("Required packages missing and host is offline", map[string]interface{}{
			"packages": missing,
		})
		return fmt.Errorf("%w: cannot install %v", ErrOffline, missing)
	}

	a.logger.Info("Installing missing packages", map[string]interface{}{"packages": missing})
	args := append([]string{"install", "-y"}, missing...)
	if err := a.run(ctx, "apt-get", args...); err != nil {
		return fmt.Errorf("package install failed: %w", err)
	}
	return nil
}

// EnvironmentProvisioner manages the worker's isolated runtime environment.
type EnvironmentProvisioner interface {
	EnsureEnvironment(ctx context.Context, online, force bool) error
}

// VenvProvisioner keeps a Python virtualenv next to the checkout.
type VenvProvisioner struct {
	RepoDir      string
	EnvDir       string
	ManifestFile string

	logger *logging.Logger
	run    CommandRunner
}

// NewVenvProvisioner creates a provisioner for <repoDir>/.venv.
func NewVenvProvisioner(repoDir, manifestFile string, logger *logging.Logger) *VenvProvisioner {
	return &VenvProvisioner{
		RepoDir:      repoDir,
		EnvDir:       filepath.Join(repoDir, ".venv"),
		ManifestFile: manifestFile,
		logger:       logger,
		run:          execRunner,
	}
}

// EnsureEnvironment creates the venv if absent, recreates it when its sanity
// check fails or force is set, and installs declared dependencies when
// online. The sanity check is a minimal interpreter self-check.
func (p *VenvProvisioner) EnsureEnvironment(ctx context.Context, online, force bool) error {
	present := p.present()
	sane := present && p.sane(ctx)

	if present && sane && !force {
		return p.installDeps(ctx, online)
	}

	if present {
		reason := "sanity check failed"
		if force {
			reason = "rebuild requested"
		}
		p.logger.Warn("Recreating runtime environment", map[string]interface{}{
			"env": p.EnvDir, "reason": reason,
		})
		if err := os.RemoveAll(p.EnvDir); err != nil {
			return fmt.Errorf("failed to remove environment: %w", err)
		}
	}

	p.logger.Info("Creating runtime environment", map[string]interface{}{"env": p.EnvDir})
	if err := p.run(ctx, "python3", "-m", "venv", p.EnvDir); err != nil {
		return fmt.Errorf("venv creation failed: %w", err)
	}

	return p.installDeps(ctx, online)
}

func (p *VenvProvisioner) present() bool {
	_, err := os.Stat(filepath.Join(p.EnvDir, "bin", "python"))
	return err == nil
}

func (p *VenvProvisioner) sane(ctx context.Context) bool {
	return p.run(ctx, filepath.Join(p.EnvDir, "bin", "python"), "-c", "import sys") == nil
}

func (p *VenvProvisioner) installDeps(ctx context.Context, online bool) error {
	if !online {
		p.logger.Debug("Offline, skipping dependency install")
		return nil
	}
	manifest := filepath.Join(p.RepoDir, p.ManifestFile)
	if _, err := os.Stat(manifest); err != nil {
		p.logger.Debug("No dependency manifest, nothing to install", map[string]interface{}{
			"manifest": manifest,
		})
		return nil
	}
	pip := filepath.Join(p.EnvDir, "bin", "pip")
	if err := p.run(ctx, pip, "install", "--upgrade", "-r", manifest); err != nil {
		return fmt.Errorf("dependency install failed: %w", err)
	}
	return nil
}
