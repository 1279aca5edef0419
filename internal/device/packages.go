package device

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/psantana5/devicectl/pkg/models"
)

// API levels that gate optional operations
const (
	apiSplitInstall        = 21
	apiRuntimePermissions  = 23
	apiMultiPackageInstall = 29
)

// Capabilities lists the optional operations a device supports.
// Gated operations return ErrUnsupported instead of failing on the device.
type Capabilities struct {
	SplitInstall        bool `json:"split_install"`
	MultiPackageInstall bool `json:"multi_package_install"`
	UserspaceReboot     bool `json:"userspace_reboot"`
	Fastbootd           bool `json:"fastbootd"`
	RuntimePermissions  bool `json:"runtime_permissions"`
}

// PackageManager installs and queries packages and negotiates Capabilities
type PackageManager struct {
	env  *env
	exec *Executor
	info *DeviceInfo

	mu   sync.Mutex
	caps *Capabilities
}

func newPackageManager(e *env, exec *Executor, info *DeviceInfo) *PackageManager {
	return &PackageManager{env: e, exec: exec, info: info}
}

// Capabilities reads the device's capabilities once and caches them
func (p *PackageManager) Capabilities(ctx context.Context) (Capabilities, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.caps != nil {
		return *p.caps, nil
	}

	api, err := p.info.APILevel(ctx)
	if err != nil {
		return Capabilities{}, err
	}
	userspace, err := p.info.BoolProperty(ctx, "init.userspace_reboot.is_supported", false)
	if err != nil {
		return Capabilities{}, err
	}
	dynamic, err := p.info.BoolProperty(ctx, "ro.boot.dynamic_partitions", false)
	if err != nil {
		return Capabilities{}, err
	}

	caps := Capabilities{
		SplitInstall:        api >= apiSplitInstall,
		MultiPackageInstall: api >= apiMultiPackageInstall,
		UserspaceReboot:     userspace,
		Fastbootd:           dynamic,
		RuntimePermissions:  api >= apiRuntimePermissions,
	}
	p.caps = &caps
	p.env.logger.Debug("Capabilities negotiated", map[string]interface{}{
		"api_level":        api,
		"userspace_reboot": userspace,
		"fastbootd":        dynamic,
	})
	return caps, nil
}

// InvalidateCapabilities drops the cached capabilities, e.g. after flashing
func (p *PackageManager) InvalidateCapabilities() {
	p.mu.Lock()
	p.caps = nil
	p.mu.Unlock()
}

func (p *PackageManager) installFlags(ctx context.Context, reinstall bool, extra []string) ([]string, error) {
	caps, err := p.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	var args []string
	if reinstall {
		args = append(args, "-r")
	}
	if caps.RuntimePermissions && !contains(extra, "-g") {
		args = append(args, "-g")
	}
	return append(args, extra...), nil
}

// Install installs one package. It returns "" on success or the installer's failure message.
func (p *PackageManager) Install(ctx context.Context, apk string, reinstall bool, extra ...string) (string, error) {
	args, err := p.installFlags(ctx, reinstall, extra)
	if err != nil {
		return "", err
	}
	res, err := p.exec.Install(ctx, append(args, apk)...)
	if err != nil {
		return "", err
	}
	return installFailure(res), nil
}

// InstallMultiple installs the split APKs of one package
func (p *PackageManager) InstallMultiple(ctx context.Context, apks []string, reinstall bool, extra ...string) (string, error) {
	caps, err := p.Capabilities(ctx)
	if err != nil {
		return "", err
	}
	if !caps.SplitInstall {
		return "", fmt.Errorf("split install: %w", ErrUnsupported)
	}
	args, err := p.installFlags(ctx, reinstall, extra)
	if err != nil {
		return "", err
	}
	res, err := p.exec.Host(ctx, append(append([]string{"install-multiple"}, args...), apks...)...)
	if err != nil {
		return "", err
	}
	return installFailure(res), nil
}

// InstallMultiPackage installs several packages atomically
func (p *PackageManager) InstallMultiPackage(ctx context.Context, apks []string, reinstall bool, extra ...string) (string, error) {
	caps, err := p.Capabilities(ctx)
	if err != nil {
		return "", err
	}
	if !caps.MultiPackageInstall {
		return "", fmt.Errorf("multi-package install: %w", ErrUnsupported)
	}
	args, err := p.installFlags(ctx, reinstall, extra)
	if err != nil {
		return "", err
	}
	res, err := p.exec.Host(ctx, append(append([]string{"install-multi-package"}, args...), apks...)...)
	if err != nil {
		return "", err
	}
	return installFailure(res), nil
}

// installFailure extracts the installer's failure message, "" meaning success
func installFailure(res models.CommandResult) string {
	out := res.Stdout + "\n" + res.Stderr
	if res.Status == models.StatusCompleted && strings.Contains(out, "Success") {
		return ""
	}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Failure") || strings.HasPrefix(line, "adb: failed") {
			return line
		}
	}
	if msg := strings.TrimSpace(out); msg != "" {
		return msg
	}
	return fmt.Sprintf("install %s with exit code %d", strings.ToLower(string(res.Status)), res.ExitCode)
}

// Uninstall removes a package. It returns "" on success or the failure message.
func (p *PackageManager) Uninstall(ctx context.Context, pkg string) (string, error) {
	res, err := p.exec.Host(ctx, "uninstall", pkg)
	if err != nil {
		return "", err
	}
	if strings.Contains(res.Stdout, "Success") {
		return "", nil
	}
	return strings.TrimSpace(res.Stdout + " " + res.Stderr), nil
}

// IsInstalled reports whether pkg is installed for any user
func (p *PackageManager) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	out, err := p.exec.ShellOutput(ctx, "pm path "+pkg)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "package:"), nil
}

// InstalledPackages returns the sorted names of installed packages
func (p *PackageManager) InstalledPackages(ctx context.Context) ([]string, error) {
	out, err := p.exec.ShellOutput(ctx, "pm list packages")
	if err != nil {
		return nil, err
	}
	var pkgs []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if name, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "package:"); ok && name != "" {
			pkgs = append(pkgs, name)
		}
	}
	sort.Strings(pkgs)
	return pkgs, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
