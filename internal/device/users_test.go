package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/devicectl/internal/devicetest"
	"github.com/psantana5/devicectl/pkg/models"
)

const userList = "Users:\n" +
	"\tUserInfo{0:Owner:c13} running\n" +
	"\tUserInfo{10:Guest:104}\n" +
	"\tUserInfo{11:Work profile:30} running\n"

func TestParseUsers(t *testing.T) {
	users := parseUsers(userList)
	require.Len(t, users, 3)

	assert.Equal(t, models.UserRecord{ID: 0, Name: "Owner", Flags: 0xc13, Running: true}, users[0])
	assert.True(t, users[0].IsPrimary())
	assert.True(t, users[0].IsAdmin())

	assert.Equal(t, 10, users[1].ID)
	assert.True(t, users[1].IsGuest())
	assert.True(t, users[1].IsEphemeral())
	assert.False(t, users[1].Running)

	assert.Equal(t, "Work profile", users[2].Name)
	assert.True(t, users[2].IsManaged())
}

func TestPrimaryUser(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.OnShell("pm list users", userList, 0)

	id, err := h.Users().Primary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	// cached after the first listing
	_, err = h.Users().Primary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fake.CallCount(models.KindShell, "pm list users"))
}

func TestCreateUser(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.OnShell("pm create-user", "Success: created user id 12\n", 0)

	id, err := h.Users().Create(context.Background(), "test guest", true, false)
	require.NoError(t, err)
	assert.Equal(t, 12, id)
	assert.Equal(t, 1, fake.CallCount(models.KindShell, "pm create-user --guest 'test guest'"))

	fake.OnShell("pm create-user", "Error: couldn't create User.\n", 0)
	_, err = h.Users().Create(context.Background(), "other", false, false)
	assert.Error(t, err)
}

func TestRemoveUser(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.OnShell("pm remove-user 10", "Success: removed user\n", 0)
	fake.OnShell("pm remove-user 99", "Error: couldn't remove user id 99\n", 0)

	ok, err := h.Users().Remove(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Users().Remove(context.Background(), 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSwitchUser(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.On(models.KindShell, "am get-current-user", devicetest.Sequence(
		devicetest.Respond("0\n", 0),
		devicetest.Respond("0\n", 0),
		devicetest.Respond("10\n", 0),
	))

	ok, err := h.Users().Switch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, fake.CallCount(models.KindShell, "am switch-user 10"))
	assert.Equal(t, 1, fake.CallCount(models.KindShell, "wm dismiss-keyguard"))
}

func TestSwitchUserAlreadyCurrent(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.OnShell("am get-current-user", "10\n", 0)

	ok, err := h.Users().Switch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, fake.CallCount(models.KindShell, "am switch-user"))
}

func TestSwitchUserTimesOut(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.OnShell("am get-current-user", "0\n", 0)

	ok, err := h.Users().Switch(context.Background(), 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Positive(t, fake.CallCount(models.KindShell, "am switch-user 10"))
	assert.Zero(t, fake.CallCount(models.KindShell, "wm dismiss-keyguard"))
}

func TestStartUser(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.OnShell("am start-user -w 10", "Success: user started\n", 0)
	fake.OnShell("am get-started-user-state 10", "User is in state: RUNNING_UNLOCKED\n", 0)

	ok, err := h.Users().Start(context.Background(), 10, true)
	require.NoError(t, err)
	assert.True(t, ok)

	fake.OnShell("am get-started-user-state 10", "User is in state: RUNNING_LOCKED\n", 0)
	ok, err = h.Users().Start(context.Background(), 10, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStopUserPreconditions(t *testing.T) {
	t.Run("system user", func(t *testing.T) {
		h, fake := newTestHandle(t)
		_, err := h.Users().Stop(context.Background(), models.SystemUserID, false, false)
		assert.ErrorIs(t, err, ErrUserPrecondition)
		assert.Empty(t, fake.Calls())
	})

	t.Run("current user", func(t *testing.T) {
		h, fake := newTestHandle(t)
		fake.OnShell("am get-current-user", "10\n", 0)
		_, err := h.Users().Current(context.Background())
		require.NoError(t, err)
		fake.ResetCalls()

		_, err = h.Users().Stop(context.Background(), 10, false, false)
		assert.ErrorIs(t, err, ErrUserPrecondition)
		assert.Empty(t, fake.Calls())
	})

	t.Run("primary user", func(t *testing.T) {
		h, fake := newTestHandle(t)
		fake.OnShell("pm list users", "Users:\n\tUserInfo{0:System:c00} running\n\tUserInfo{10:Owner:13} running\n", 0)
		_, err := h.Users().List(context.Background())
		require.NoError(t, err)
		fake.ResetCalls()

		_, err = h.Users().Stop(context.Background(), 10, false, false)
		assert.ErrorIs(t, err, ErrUserPrecondition)
		assert.Empty(t, fake.Calls())
	})
}

func TestStopUserResolvesUncachedPreconditions(t *testing.T) {
	t.Run("primary user", func(t *testing.T) {
		h, fake := newTestHandle(t)
		fake.OnShell("pm list users", "Users:\n\tUserInfo{10:Owner:13} running\n\tUserInfo{11:Work:30} running\n", 0)
		fake.OnShell("am get-current-user", "11\n", 0)

		ok, err := h.Users().Stop(context.Background(), 10, false, false)
		assert.ErrorIs(t, err, ErrUserPrecondition)
		assert.False(t, ok)
		assert.Zero(t, fake.CallCount(models.KindShell, "am stop-user"))
		assert.Equal(t, 1, fake.CallCount(models.KindShell, "pm list users"))
	})

	t.Run("current user", func(t *testing.T) {
		h, fake := newTestHandle(t)
		fake.OnShell("pm list users", "Users:\n\tUserInfo{0:Owner:c13} running\n\tUserInfo{11:Work:30} running\n", 0)
		fake.OnShell("am get-current-user", "11\n", 0)

		_, err := h.Users().Stop(context.Background(), 11, false, false)
		assert.ErrorIs(t, err, ErrUserPrecondition)
		assert.Zero(t, fake.CallCount(models.KindShell, "am stop-user"))
	})

	t.Run("after the cache is dropped", func(t *testing.T) {
		h, fake := newTestHandle(t)
		fake.OnShell("pm list users", "Users:\n\tUserInfo{10:Owner:13} running\n", 0)
		fake.OnShell("am get-current-user", "11\n", 0)
		_, err := h.Users().Primary(context.Background())
		require.NoError(t, err)

		h.Tracker().SetState(models.StateOffline)
		h.Tracker().SetState(models.StateOnline)

		_, err = h.Users().Stop(context.Background(), 10, false, false)
		assert.ErrorIs(t, err, ErrUserPrecondition)
		assert.Zero(t, fake.CallCount(models.KindShell, "am stop-user"))
	})
}

func TestStopUserWaitsUntilStopped(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.OnShell("am get-current-user", "0\n", 0)
	fake.On(models.KindShell, "pm list users", devicetest.Sequence(
		devicetest.Respond("Users:\n\tUserInfo{0:Owner:c13} running\n\tUserInfo{11:Work:30} running\n", 0),
		devicetest.Respond("Users:\n\tUserInfo{0:Owner:c13} running\n\tUserInfo{11:Work:30} running\n", 0),
		devicetest.Respond("Users:\n\tUserInfo{0:Owner:c13} running\n\tUserInfo{11:Work:30}\n", 0),
	))

	ok, err := h.Users().Stop(context.Background(), 11, false, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, fake.CallCount(models.KindShell, "pm list users"))
}

func TestStopUserStillRunning(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.OnShell("am get-current-user", "0\n", 0)
	fake.OnShell("pm list users", "Users:\n\tUserInfo{0:Owner:c13} running\n\tUserInfo{11:Work:30} running\n", 0)

	ok, err := h.Users().Stop(context.Background(), 11, false, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, fake.CallCount(models.KindShell, "am stop-user 11"))
}

func TestStopUser(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.OnShell("am get-current-user", "0\n", 0)

	ok, err := h.Users().Stop(context.Background(), 11, true, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, fake.CallCount(models.KindShell, "am stop-user -w -f 11"))

	fake.OnShell("am stop-user", "Error: Can't stop user 12: user doesn't exist\n", 0)
	ok, err = h.Users().Stop(context.Background(), 12, false, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUserCacheInvalidatedWhenDeviceDrops(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.OnShell("am get-current-user", "10\n", 0)
	_, err := h.Users().Current(context.Background())
	require.NoError(t, err)

	h.Tracker().SetState(models.StateOffline)

	current, primary := h.Users().cached()
	assert.Equal(t, unknownUser, current)
	assert.Equal(t, unknownUser, primary)
}
