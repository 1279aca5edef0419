package device

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/psantana5/devicectl/internal/retry"
	"github.com/psantana5/devicectl/pkg/models"
)

const unknownUser = -1

var (
	userInfoRe    = regexp.MustCompile(`UserInfo\{(\d+):([^:]*):([0-9a-fA-F]+)\}(\s+running)?`)
	createdUserRe = regexp.MustCompile(`Success: created user id (\d+)`)
)

// UserManager creates, switches, starts and stops device users
type UserManager struct {
	env  *env
	exec *Executor

	mu      sync.Mutex
	current int
	primary int
}

func newUserManager(e *env, exec *Executor) *UserManager {
	return &UserManager{env: e, exec: exec, current: unknownUser, primary: unknownUser}
}

// invalidate forgets the cached current and primary users
func (u *UserManager) invalidate() {
	u.mu.Lock()
	u.current = unknownUser
	u.primary = unknownUser
	u.mu.Unlock()
}

func (u *UserManager) cached() (current, primary int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.current, u.primary
}

func (u *UserManager) setCurrent(id int) {
	u.mu.Lock()
	u.current = id
	u.mu.Unlock()
}

// List returns every user on the device
func (u *UserManager) List(ctx context.Context) ([]models.UserRecord, error) {
	out, err := u.exec.ShellOutput(ctx, "pm list users")
	if err != nil {
		return nil, err
	}
	users := parseUsers(out)
	for _, rec := range users {
		if rec.IsPrimary() {
			u.mu.Lock()
			u.primary = rec.ID
			u.mu.Unlock()
			break
		}
	}
	return users, nil
}

func parseUsers(out string) []models.UserRecord {
	var users []models.UserRecord
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := userInfoRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		flags, _ := strconv.ParseInt(m[3], 16, 64)
		users = append(users, models.UserRecord{
			ID:      id,
			Name:    m[2],
			Flags:   models.UserFlags(flags),
			Running: m[4] != "",
		})
	}
	return users
}

// Current queries the foreground user
func (u *UserManager) Current(ctx context.Context) (int, error) {
	out, err := u.exec.ShellOutput(ctx, "am get-current-user")
	if err != nil {
		return unknownUser, err
	}
	id, perr := strconv.Atoi(strings.TrimSpace(out))
	if perr != nil {
		return unknownUser, fmt.Errorf("unexpected current user output %q", out)
	}
	u.setCurrent(id)
	return id, nil
}

// Primary returns the primary user id, or -1 when the device reports none
func (u *UserManager) Primary(ctx context.Context) (int, error) {
	if _, primary := u.cached(); primary != unknownUser {
		return primary, nil
	}
	if _, err := u.List(ctx); err != nil {
		return unknownUser, err
	}
	_, primary := u.cached()
	return primary, nil
}

// Create adds a user and returns its id
func (u *UserManager) Create(ctx context.Context, name string, guest, ephemeral bool) (int, error) {
	args := []string{"pm", "create-user"}
	if guest {
		args = append(args, "--guest")
	}
	if ephemeral {
		args = append(args, "--ephemeral")
	}
	args = append(args, name)

	out, err := u.exec.ShellOutput(ctx, shellquote.Join(args...))
	if err != nil {
		return unknownUser, err
	}
	m := createdUserRe.FindStringSubmatch(out)
	if m == nil {
		return unknownUser, fmt.Errorf("failed to create user %q: %s", name, out)
	}
	id, _ := strconv.Atoi(m[1])
	u.env.logger.Info("User created", map[string]interface{}{"user_id": id, "name": name})
	return id, nil
}

// Remove deletes a user. False means the device refused.
func (u *UserManager) Remove(ctx context.Context, id int) (bool, error) {
	out, err := u.exec.ShellOutput(ctx, fmt.Sprintf("pm remove-user %d", id))
	if err != nil {
		return false, err
	}
	if strings.HasPrefix(out, "Error") || !strings.Contains(out, "Success") {
		u.env.logger.Warn("Failed to remove user", map[string]interface{}{"user_id": id, "output": out})
		return false, nil
	}
	u.mu.Lock()
	if u.current == id {
		u.current = unknownUser
	}
	u.mu.Unlock()
	return true, nil
}

// Switch makes id the foreground user. It returns true once the current-user
// query reports id, false if that does not happen within timeout. After a
// successful switch the keyguard is dismissed on a best-effort basis.
func (u *UserManager) Switch(ctx context.Context, id int, timeout time.Duration) (bool, error) {
	current, err := u.Current(ctx)
	if err != nil {
		return false, err
	}
	if current == id {
		return true, nil
	}

	interval := u.env.opts.RecoveryPollInterval
	deadline := u.env.clock.Now().Add(timeout)
	for {
		if _, err := u.exec.Shell(ctx, fmt.Sprintf("am switch-user %d", id)); err != nil {
			return false, err
		}
		current, err = u.Current(ctx)
		if err != nil {
			return false, err
		}
		if current == id {
			break
		}

		remaining := deadline.Sub(u.env.clock.Now())
		if remaining <= 0 {
			u.env.logger.Warn("User switch timed out", map[string]interface{}{
				"user_id": id,
				"current": current,
				"timeout": timeout.String(),
			})
			return false, nil
		}
		if err := retry.Sleep(ctx, u.env.clock, min(interval, remaining)); err != nil {
			return false, fmt.Errorf("user switch cancelled: %w", err)
		}
	}

	if err := dismissKeyguard(ctx, u.exec); err != nil {
		if IsNotAvailable(err) {
			return true, err
		}
		u.env.logger.Debug("Keyguard dismissal failed", map[string]interface{}{"error": err.Error()})
	}
	u.env.logger.Info("Switched user", map[string]interface{}{"user_id": id})
	return true, nil
}

// Start starts a user in the background. With wait it also requires the user to be unlocked.
func (u *UserManager) Start(ctx context.Context, id int, wait bool) (bool, error) {
	cmd := fmt.Sprintf("am start-user %d", id)
	if wait {
		cmd = fmt.Sprintf("am start-user -w %d", id)
	}
	out, err := u.exec.ShellOutput(ctx, cmd)
	if err != nil {
		return false, err
	}
	if !strings.Contains(out, "Success") {
		u.env.logger.Warn("Failed to start user", map[string]interface{}{"user_id": id, "output": out})
		return false, nil
	}
	if !wait {
		return true, nil
	}

	state, err := u.exec.ShellOutput(ctx, fmt.Sprintf("am get-started-user-state %d", id))
	if err != nil {
		return false, err
	}
	return strings.Contains(state, "RUNNING_UNLOCKED"), nil
}

// Stop stops a background user. The system, primary and current users cannot be
// stopped; asking for them fails with ErrUserPrecondition before any stop is issued.
// An uncached primary or current user is first resolved with read-only queries.
// True means the user was seen not running within the online timeout.
func (u *UserManager) Stop(ctx context.Context, id int, wait, force bool) (bool, error) {
	if err := u.checkStoppable(ctx, id); err != nil {
		return false, err
	}

	args := []string{"am", "stop-user"}
	if wait {
		args = append(args, "-w")
	}
	if force {
		args = append(args, "-f")
	}
	args = append(args, strconv.Itoa(id))

	out, err := u.exec.ShellOutput(ctx, strings.Join(args, " "))
	if err != nil {
		return false, err
	}
	if strings.Contains(out, "Error") {
		u.env.logger.Warn("Failed to stop user", map[string]interface{}{"user_id": id, "output": out})
		return false, nil
	}
	return u.waitStopped(ctx, id)
}

func (u *UserManager) checkStoppable(ctx context.Context, id int) error {
	if id == models.SystemUserID {
		return fmt.Errorf("%w: cannot stop the system user", ErrUserPrecondition)
	}
	current, primary := u.cached()
	if id == current {
		return fmt.Errorf("%w: cannot stop the current user %d", ErrUserPrecondition, id)
	}
	if id == primary {
		return fmt.Errorf("%w: cannot stop the primary user %d", ErrUserPrecondition, id)
	}

	if primary == unknownUser {
		var err error
		if primary, err = u.Primary(ctx); err != nil {
			return err
		}
		if id == primary {
			return fmt.Errorf("%w: cannot stop the primary user %d", ErrUserPrecondition, id)
		}
	}
	if current == unknownUser {
		var err error
		if current, err = u.Current(ctx); err != nil {
			return err
		}
		if id == current {
			return fmt.Errorf("%w: cannot stop the current user %d", ErrUserPrecondition, id)
		}
	}
	return nil
}

// running reports whether the user list shows id as running
func (u *UserManager) running(ctx context.Context, id int) (bool, error) {
	users, err := u.List(ctx)
	if err != nil {
		return false, err
	}
	for _, rec := range users {
		if rec.ID == id {
			return rec.Running, nil
		}
	}
	return false, nil
}

func (u *UserManager) waitStopped(ctx context.Context, id int) (bool, error) {
	deadline := u.env.clock.Now().Add(u.env.opts.OnlineTimeout)
	for {
		running, err := u.running(ctx, id)
		if err != nil {
			return false, err
		}
		if !running {
			return true, nil
		}
		remaining := deadline.Sub(u.env.clock.Now())
		if remaining <= 0 {
			u.env.logger.Warn("User still running after stop-user", map[string]interface{}{"user_id": id})
			return false, nil
		}
		if err := retry.Sleep(ctx, u.env.clock, min(u.env.opts.RecoveryPollInterval, remaining)); err != nil {
			return false, fmt.Errorf("user stop cancelled: %w", err)
		}
	}
}
