package device

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"

	"github.com/psantana5/devicectl/internal/retry"
)

// WifiNetwork is the association the manager re-applies after reboots
type WifiNetwork struct {
	SSID       string
	PSK        string
	ScanHidden bool
}

// WifiManager associates the device with a network and keeps the association across reboots
type WifiManager struct {
	env  *env
	exec *Executor

	mu   sync.Mutex
	last *WifiNetwork
}

func newWifiManager(e *env, exec *Executor) *WifiManager {
	return &WifiManager{env: e, exec: exec}
}

// LastConnected returns the network re-applied after reboot, if any
func (w *WifiManager) LastConnected() (WifiNetwork, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return WifiNetwork{}, false
	}
	return *w.last, true
}

// ClearLastConnected stops re-applying the last network after reboot
func (w *WifiManager) ClearLastConnected() {
	w.mu.Lock()
	w.last = nil
	w.mu.Unlock()
}

// Connect enables the radio and tries to associate with ssid up to wifi_attempts
// times, spacing attempts by the configured backoff. It gives up early once the
// next wait would run past max_wifi_connect_time.
func (w *WifiManager) Connect(ctx context.Context, ssid, psk string, scanHidden bool) (bool, error) {
	opts := w.env.opts
	backoff := opts.WifiBackoff()
	start := w.env.clock.Now()
	logger := w.env.logger.WithField("ssid", ssid)

	if _, err := w.exec.Shell(ctx, "svc wifi enable"); err != nil {
		return false, err
	}

	for attempt := 1; attempt <= opts.WifiAttempts; attempt++ {
		ok, err := w.attempt(ctx, ssid, psk, scanHidden)
		if err != nil {
			return false, err
		}
		w.env.metrics.WifiAttempt(ok)
		if ok {
			w.mu.Lock()
			w.last = &WifiNetwork{SSID: ssid, PSK: psk, ScanHidden: scanHidden}
			w.mu.Unlock()
			logger.Info("Connected to wifi", map[string]interface{}{"attempt": attempt})
			return true, nil
		}

		if attempt == opts.WifiAttempts {
			break
		}
		delay := backoff(attempt)
		elapsed := w.env.clock.Now().Sub(start)
		if opts.MaxWifiConnectTime > 0 && elapsed+delay > opts.MaxWifiConnectTime {
			logger.Warn("Wifi connect time budget exhausted", map[string]interface{}{
				"attempt": attempt,
				"elapsed": elapsed.String(),
				"budget":  opts.MaxWifiConnectTime.String(),
			})
			break
		}

		logger.Debug("Wifi connect attempt failed, retrying", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
		})
		if err := retry.Sleep(ctx, w.env.clock, delay); err != nil {
			return false, fmt.Errorf("wifi connect cancelled: %w", err)
		}
	}

	logger.Error("Failed to connect to wifi", map[string]interface{}{
		"elapsed": w.env.clock.Now().Sub(start).String(),
	})
	return false, nil
}

// attempt issues one association and checks the result
func (w *WifiManager) attempt(ctx context.Context, ssid, psk string, scanHidden bool) (bool, error) {
	args := []string{"cmd", "wifi", "connect-network", ssid}
	if psk == "" {
		args = append(args, "open")
	} else {
		args = append(args, "wpa2", psk)
	}
	if scanHidden {
		args = append(args, "-h")
	}

	res, err := w.exec.Shell(ctx, shellquote.Join(args...))
	if err != nil {
		return false, err
	}
	if !res.Succeeded() {
		return false, nil
	}

	connected, err := w.connectedTo(ctx, ssid)
	if err != nil || !connected {
		return false, err
	}
	return w.CheckConnectivity(ctx)
}

// connectedTo reports whether the wifi status names ssid as the current network
func (w *WifiManager) connectedTo(ctx context.Context, ssid string) (bool, error) {
	out, err := w.exec.ShellOutput(ctx, "cmd wifi status")
	if err != nil {
		return false, err
	}
	return strings.Contains(out, fmt.Sprintf("Wifi is connected to %q", ssid)), nil
}

// ConnectIfNeeded connects only when the connectivity probe fails
func (w *WifiManager) ConnectIfNeeded(ctx context.Context, ssid, psk string, scanHidden bool) (bool, error) {
	ok, err := w.CheckConnectivity(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return w.Connect(ctx, ssid, psk, scanHidden)
}

// CheckConnectivity pings the configured host from the device
func (w *WifiManager) CheckConnectivity(ctx context.Context) (bool, error) {
	res, err := w.exec.Shell(ctx, shellquote.Join("ping", "-c", "2", "-w", "5", w.env.opts.ConnCheckHost))
	if err != nil {
		return false, err
	}
	return res.Succeeded(), nil
}

// IsEnabled reports whether the wifi radio is on
func (w *WifiManager) IsEnabled(ctx context.Context) (bool, error) {
	out, err := w.exec.ShellOutput(ctx, "cmd wifi status")
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "Wifi is enabled"), nil
}

// Disconnect forgets every saved network, turns the radio off and clears the
// last-connected network.
func (w *WifiManager) Disconnect(ctx context.Context) (bool, error) {
	w.ClearLastConnected()

	out, err := w.exec.ShellOutput(ctx, "cmd wifi list-networks")
	if err != nil {
		return false, err
	}
	ok := true
	for _, id := range parseNetworkIDs(out) {
		res, err := w.exec.Shell(ctx, "cmd wifi forget-network "+id)
		if err != nil {
			return false, err
		}
		ok = ok && res.Succeeded()
	}

	res, err := w.exec.Shell(ctx, "svc wifi disable")
	if err != nil {
		return false, err
	}
	return ok && res.Succeeded(), nil
}

// parseNetworkIDs reads the id column of "cmd wifi list-networks"
func parseNetworkIDs(out string) []string {
	var ids []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) == 0 || f[0] == "Network" || f[0] == "No" {
			continue
		}
		if strings.Trim(f[0], "0123456789") == "" {
			ids = append(ids, f[0])
		}
	}
	return ids
}

// Reapply reconnects to the last network; registered as a post-boot hook
func (w *WifiManager) Reapply(ctx context.Context) error {
	net, ok := w.LastConnected()
	if !ok {
		return nil
	}
	connected, err := w.Connect(ctx, net.SSID, net.PSK, net.ScanHidden)
	if err != nil {
		return err
	}
	if !connected {
		return fmt.Errorf("failed to reconnect to %q after reboot", net.SSID)
	}
	return nil
}
