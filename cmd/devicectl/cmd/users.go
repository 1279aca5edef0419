package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/devicectl/internal/device"
)

var (
	userGuest     bool
	userEphemeral bool
	userWait      bool
	userForce     bool
	switchTimeout time.Duration
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage device users",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users on the device",
	Args:  cobra.NoArgs,
	RunE:  runUsersList,
}

var usersCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a user and print its id",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersCreate,
}

var usersRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a user",
	Args:  cobra.ExactArgs(1),
	RunE: userAction("remove", func(ctx context.Context, u *device.UserManager, id int) (bool, error) {
		return u.Remove(ctx, id)
	}),
}

var usersSwitchCmd = &cobra.Command{
	Use:   "switch <id>",
	Short: "Switch the foreground user",
	Args:  cobra.ExactArgs(1),
	RunE: userAction("switch to", func(ctx context.Context, u *device.UserManager, id int) (bool, error) {
		return u.Switch(ctx, id, switchTimeout)
	}),
}

var usersStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a user in the background",
	Args:  cobra.ExactArgs(1),
	RunE: userAction("start", func(ctx context.Context, u *device.UserManager, id int) (bool, error) {
		return u.Start(ctx, id, userWait)
	}),
}

var usersStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a background user",
	Args:  cobra.ExactArgs(1),
	RunE: userAction("stop", func(ctx context.Context, u *device.UserManager, id int) (bool, error) {
		return u.Stop(ctx, id, userWait, userForce)
	}),
}

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(usersListCmd, usersCreateCmd, usersRemoveCmd, usersSwitchCmd, usersStartCmd, usersStopCmd)

	usersCreateCmd.Flags().BoolVar(&userGuest, "guest", false, "create a guest user")
	usersCreateCmd.Flags().BoolVar(&userEphemeral, "ephemeral", false, "create an ephemeral user")
	usersSwitchCmd.Flags().DurationVar(&switchTimeout, "wait", 30*time.Second, "how long to wait for the switch to take effect")
	usersStartCmd.Flags().BoolVar(&userWait, "wait", false, "wait until the user is unlocked")
	usersStopCmd.Flags().BoolVar(&userWait, "wait", false, "wait until the user has stopped")
	usersStopCmd.Flags().BoolVar(&userForce, "force", false, "stop the user even if related users are running")
}

func userAction(verb string, fn func(ctx context.Context, u *device.UserManager, id int) (bool, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
			ok, err := fn(ctx, h.Users(), id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("failed to %s user %d", verb, id)
			}
			return nil
		})
	}
}

func runUsersList(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		users, err := h.Users().List(ctx)
		if err != nil {
			return err
		}
		current, err := h.Users().Current(ctx)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(users)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Name", "Flags", "Running", "Current")
		for _, u := range users {
			table.Append([]string{
				strconv.Itoa(u.ID),
				u.Name,
				u.FlagNames(),
				yesNo(u.Running),
				yesNo(u.ID == current),
			})
		}
		table.Render()
		return nil
	})
}

func runUsersCreate(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		id, err := h.Users().Create(ctx, args[0], userGuest, userEphemeral)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	})
}
