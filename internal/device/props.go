package device

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/psantana5/devicectl/pkg/models"
)

const (
	propBootHistory    = "sys.boot.reason.history"
	propBootCompleted  = "sys.boot_completed"
	propCryptoState    = "ro.crypto.state"
	propDecrypt        = "vold.decrypt"
	propAPILevel       = "ro.build.version.sdk"
	propBuildID        = "ro.build.version.incremental"
	propBuildAlias     = "ro.build.id"
	propBuildFlavor    = "ro.build.flavor"
	propProductType    = "ro.hardware"
	propProductBoard   = "ro.product.board"
	propProductVariant = "ro.product.vendor.device"
	propProductDevice  = "ro.product.device"

	// system_server starting this long after the last boot means it restarted on its own
	softRestartGrace = 30 * time.Second
)

// DeviceInfo reads properties, processes, boot history and mounts
type DeviceInfo struct {
	env  *env
	exec *Executor

	// awaitOnline is the boot orchestrator's bounded wait for ONLINE
	awaitOnline func(ctx context.Context) error
}

func newDeviceInfo(e *env, exec *Executor, awaitOnline func(ctx context.Context) error) *DeviceInfo {
	return &DeviceInfo{env: e, exec: exec, awaitOnline: awaitOnline}
}

// GetProperty returns a system property, or "" when it is unset
func (d *DeviceInfo) GetProperty(ctx context.Context, name string) (string, error) {
	return d.exec.ShellOutput(ctx, "getprop "+name)
}

// IntProperty returns a property parsed as an integer, or def when unset or malformed
func (d *DeviceInfo) IntProperty(ctx context.Context, name string, def int) (int, error) {
	v, err := d.GetProperty(ctx, name)
	if err != nil {
		return def, err
	}
	n, perr := strconv.Atoi(strings.TrimSpace(v))
	if perr != nil {
		return def, nil
	}
	return n, nil
}

// BoolProperty returns a property parsed with the platform's boolean spellings
func (d *DeviceInfo) BoolProperty(ctx context.Context, name string, def bool) (bool, error) {
	v, err := d.GetProperty(ctx, name)
	if err != nil {
		return def, err
	}
	return parsePropBool(v, def), nil
}

func parsePropBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "y", "yes", "on", "true":
		return true
	case "0", "n", "no", "off", "false":
		return false
	default:
		return def
	}
}

// SetProperty sets a system property. Read-only properties fail with a non-zero exit.
func (d *DeviceInfo) SetProperty(ctx context.Context, name, value string) (bool, error) {
	res, err := d.exec.Shell(ctx, shellquote.Join("setprop", name, value))
	if err != nil {
		return false, err
	}
	return res.Succeeded(), nil
}

// RefreshDescriptor reads the identifying properties into the cached descriptor
func (d *DeviceInfo) RefreshDescriptor(ctx context.Context) (models.DeviceDescriptor, error) {
	read := func(names ...string) (string, error) {
		for _, n := range names {
			v, err := d.GetProperty(ctx, n)
			if err != nil {
				return "", err
			}
			if v != "" {
				return v, nil
			}
		}
		return "", nil
	}

	var (
		desc models.DeviceDescriptor
		err  error
	)
	if desc.ProductType, err = read(propProductType, propProductBoard); err != nil {
		return models.DeviceDescriptor{}, err
	}
	if desc.ProductVariant, err = read(propProductVariant, propProductDevice); err != nil {
		return models.DeviceDescriptor{}, err
	}
	if desc.BuildID, err = read(propBuildID, propBuildAlias); err != nil {
		return models.DeviceDescriptor{}, err
	}
	if desc.BuildFlavor, err = read(propBuildFlavor); err != nil {
		return models.DeviceDescriptor{}, err
	}
	if desc.EncryptionState, err = read(propCryptoState); err != nil {
		return models.DeviceDescriptor{}, err
	}
	if desc.APILevel, err = d.IntProperty(ctx, propAPILevel, 0); err != nil {
		return models.DeviceDescriptor{}, err
	}

	now := d.env.clock.Now().UTC()
	d.env.tracker.UpdateDescriptor(func(dd *models.DeviceDescriptor) {
		dd.ProductType = desc.ProductType
		dd.ProductVariant = desc.ProductVariant
		dd.BuildID = desc.BuildID
		dd.BuildFlavor = desc.BuildFlavor
		dd.EncryptionState = desc.EncryptionState
		dd.APILevel = desc.APILevel
		dd.LastUpdated = now
	})
	return d.env.tracker.Descriptor(), nil
}

// APILevel returns the cached API level, reading it once when unknown
func (d *DeviceInfo) APILevel(ctx context.Context) (int, error) {
	if lvl := d.env.tracker.Descriptor().APILevel; lvl > 0 {
		return lvl, nil
	}
	lvl, err := d.IntProperty(ctx, propAPILevel, 0)
	if err != nil {
		return 0, err
	}
	if lvl > 0 {
		d.env.tracker.UpdateDescriptor(func(dd *models.DeviceDescriptor) { dd.APILevel = lvl })
	}
	return lvl, nil
}

// ProcessPID returns the pid of the named process, or 0 when it is not running
func (d *DeviceInfo) ProcessPID(ctx context.Context, name string) (int, error) {
	out, err := d.exec.ShellOutput(ctx, "pidof "+name)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, nil
	}
	pid, perr := strconv.Atoi(fields[0])
	if perr != nil {
		return 0, nil
	}
	return pid, nil
}

// ProcessByName returns the named process, or nil when it is not running
// or its start time cannot be read.
func (d *DeviceInfo) ProcessByName(ctx context.Context, name string) (*models.ProcessInfo, error) {
	pid, err := d.ProcessPID(ctx, name)
	if err != nil || pid == 0 {
		return nil, err
	}

	stime, err := d.exec.ShellOutput(ctx, fmt.Sprintf("ps -p %d -o stime=", pid))
	if err != nil {
		return nil, err
	}
	stime = strings.TrimSpace(stime)
	if stime == "" {
		return nil, nil
	}
	epoch, err := d.exec.ShellOutput(ctx, fmt.Sprintf(`date -d"%s" +%%s`, stime))
	if err != nil {
		return nil, err
	}
	secs, perr := strconv.ParseInt(strings.TrimSpace(epoch), 10, 64)
	if perr != nil {
		return nil, nil
	}
	user, err := d.exec.ShellOutput(ctx, fmt.Sprintf("stat -c%%U /proc/%d", pid))
	if err != nil {
		return nil, err
	}

	return &models.ProcessInfo{
		Name:      name,
		PID:       pid,
		User:      strings.TrimSpace(user),
		StartTime: time.Unix(secs, 0).UTC(),
	}, nil
}

// BootHistory returns the boot reason history, newest first
func (d *DeviceInfo) BootHistory(ctx context.Context) ([]models.BootEvent, error) {
	raw, err := d.GetProperty(ctx, propBootHistory)
	if err != nil {
		return nil, err
	}
	return parseBootHistory(raw), nil
}

// BootHistorySince returns the boots at or after since
func (d *DeviceInfo) BootHistorySince(ctx context.Context, since time.Time) ([]models.BootEvent, error) {
	all, err := d.BootHistory(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.BootEvent
	for _, b := range all {
		if !b.Time.Before(since.Truncate(time.Second)) {
			out = append(out, b)
		}
	}
	return out, nil
}

// parseBootHistory reads lines of "reason,epoch" or "reason,,epoch"; malformed lines are skipped
func parseBootHistory(raw string) []models.BootEvent {
	var events []models.BootEvent
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}
		secs, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
		if err != nil {
			continue
		}
		events = append(events, models.BootEvent{Reason: parts[0], Time: time.Unix(secs, 0).UTC()})
	}
	return events
}

// normalBootReason reports whether a boot reason comes from a requested reboot
func normalBootReason(reason string) bool {
	switch {
	case strings.HasPrefix(reason, "reboot"),
		strings.HasPrefix(reason, "shutdown"),
		reason == "cold", reason == "warm", reason == "hard",
		reason == "bootloader", reason == "recovery":
		return true
	}
	return false
}

// SoftRestarted reports whether system_server restarted since prev was captured
func (d *DeviceInfo) SoftRestarted(ctx context.Context, prev *models.ProcessInfo) (bool, error) {
	if prev == nil {
		return false, fmt.Errorf("previous system_server process is required")
	}
	curr, err := d.ProcessByName(ctx, "system_server")
	if err != nil {
		return false, err
	}
	if curr == nil {
		return true, nil
	}
	if curr.PID == prev.PID && curr.StartTime.Equal(prev.StartTime) {
		return false, nil
	}
	return d.restartedWithoutReboot(ctx, curr, prev.StartTime)
}

// SoftRestartedSince reports whether system_server restarted after since
// without a full reboot. An abnormal boot reason is returned as an error.
func (d *DeviceInfo) SoftRestartedSince(ctx context.Context, since time.Time) (bool, error) {
	curr, err := d.ProcessByName(ctx, "system_server")
	if err != nil {
		return false, err
	}
	if curr == nil {
		return true, nil
	}
	if !curr.StartTime.After(since) {
		return false, nil
	}
	return d.restartedWithoutReboot(ctx, curr, since)
}

func (d *DeviceInfo) restartedWithoutReboot(ctx context.Context, curr *models.ProcessInfo, since time.Time) (bool, error) {
	boots, err := d.BootHistorySince(ctx, since)
	if err != nil {
		return false, err
	}
	if len(boots) == 0 {
		return true, nil
	}
	last := boots[0]
	if !normalBootReason(last.Reason) {
		return false, fmt.Errorf("device rebooted abnormally at %s: %s", last.Time.Format(time.RFC3339), last.Reason)
	}
	return curr.StartTime.Sub(last.Time) > softRestartGrace, nil
}

// MountPoints returns the device mount table
func (d *DeviceInfo) MountPoints(ctx context.Context) ([]models.MountRecord, error) {
	out, err := d.exec.ShellOutput(ctx, "cat /proc/mounts")
	if err != nil {
		return nil, err
	}
	return parseMounts(out), nil
}

// MountPoint returns the mount record for path, or nil when nothing is mounted there
func (d *DeviceInfo) MountPoint(ctx context.Context, path string) (*models.MountRecord, error) {
	mounts, err := d.MountPoints(ctx)
	if err != nil {
		return nil, err
	}
	for i := range mounts {
		if mounts[i].Mountpoint == path {
			return &mounts[i], nil
		}
	}
	return nil, nil
}

func parseMounts(raw string) []models.MountRecord {
	var mounts []models.MountRecord
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 4 {
			continue
		}
		mounts = append(mounts, models.MountRecord{
			Filesystem: unescapeMount(f[0]),
			Mountpoint: unescapeMount(f[1]),
			Type:       f[2],
			Options:    strings.Split(f[3], ","),
		})
	}
	return mounts
}

// unescapeMount decodes the octal escapes the kernel uses for whitespace
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Battery returns the battery level in percent, or BatteryUnknown
func (d *DeviceInfo) Battery(ctx context.Context) (int, error) {
	out, err := d.exec.ShellOutput(ctx, "dumpsys battery")
	if err != nil {
		return models.BatteryUnknown, err
	}
	level := parseBatteryLevel(out)
	d.env.tracker.UpdateDescriptor(func(dd *models.DeviceDescriptor) { dd.BatteryLevel = level })
	return level, nil
}

func parseBatteryLevel(out string) int {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		v, ok := strings.CutPrefix(line, "level:")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 || n > 100 {
			return models.BatteryUnknown
		}
		return n
	}
	return models.BatteryUnknown
}

// IsEncrypted reports whether the data partition is encrypted
func (d *DeviceInfo) IsEncrypted(ctx context.Context) (bool, error) {
	state, err := d.GetProperty(ctx, propCryptoState)
	if err != nil {
		return false, err
	}
	d.env.tracker.UpdateDescriptor(func(dd *models.DeviceDescriptor) { dd.EncryptionState = state })
	return state == "encrypted", nil
}

// UnlockDevice decrypts the data partition with the default password and
// waits for the device to come back ONLINE. Callers needing a fully booted
// device follow up with WaitForDeviceAvailable.
func (d *DeviceInfo) UnlockDevice(ctx context.Context) (bool, error) {
	encrypted, err := d.IsEncrypted(ctx)
	if err != nil {
		return false, err
	}
	if !encrypted {
		return true, nil
	}
	if state, err := d.GetProperty(ctx, propDecrypt); err != nil {
		return false, err
	} else if state == "trigger_restart_framework" {
		return true, nil
	}

	out, err := d.exec.ShellOutput(ctx, "vdc cryptfs checkpw default_password")
	if err != nil {
		return false, err
	}
	if f := strings.Fields(out); len(f) == 0 || f[len(f)-1] != "0" {
		d.env.logger.Warn("Unlock with the default password failed", map[string]interface{}{"output": out})
		return false, nil
	}
	if _, err := d.exec.Shell(ctx, "vdc cryptfs restart"); err != nil {
		return false, err
	}

	if err := d.awaitOnline(ctx); err != nil {
		return false, err
	}
	return true, nil
}
