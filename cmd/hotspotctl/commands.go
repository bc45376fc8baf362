package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/auth"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/hotspot"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/transaction"
)

func testCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Check that the router API is reachable and the credentials work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, svc *hotspot.Service) error {
				report := svc.TestConnectivity(ctx)
				if o.asJSON {
					if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
						return err
					}
				} else {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Router:    %s\n", report.Address)
					fmt.Fprintf(out, "Identity:  %s\n", report.RouterIdentity)
					fmt.Fprintf(out, "Elapsed:   %.1f ms\n", report.ElapsedMs)
					fmt.Fprintf(out, "Result:    %s\n", report.Message)
				}
				if !report.Reachable {
					return errors.New("router unreachable")
				}
				return nil
			})
		},
	}
}

func userCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage hotspot user accounts",
	}
	cmd.AddCommand(userListCmd(o), userGetCmd(o), userRemoveCmd(o), userProvisionCmd(o))
	return cmd
}

func userListCmd(o *options) *cobra.Command {
	var profile, comment, server string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List hotspot users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filters := map[string]string{}
			for k, v := range map[string]string{"profile": profile, "comment": comment, "server": server} {
				if v != "" {
					filters[k] = v
				}
			}
			return o.run(cmd, func(ctx context.Context, svc *hotspot.Service) error {
				users, err := svc.ListAllUsers(ctx, filters)
				if err != nil {
					return err
				}
				if o.asJSON {
					return writeJSON(cmd.OutOrStdout(), users)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tPROFILE\tLIMIT\tUPTIME\tDISABLED\tCOMMENT")
				for _, u := range users {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", u.Name, u.Profile, u.LimitUptime, u.Uptime, u.Disabled, u.Comment)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "Only users with this profile")
	cmd.Flags().StringVar(&comment, "comment", "", "Only users with this comment")
	cmd.Flags().StringVar(&server, "server", "", "Only users bound to this hotspot server")
	return cmd
}

func userGetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <username>",
		Short: "Show one hotspot user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, svc *hotspot.Service) error {
				acct, err := svc.GetUserInfo(ctx, args[0])
				if err != nil {
					return err
				}
				if acct == nil {
					return fmt.Errorf("user %q not found", args[0])
				}
				if o.asJSON {
					return writeJSON(cmd.OutOrStdout(), acct)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "Name:\t%s\n", acct.Name)
				fmt.Fprintf(tw, "Profile:\t%s\n", acct.Profile)
				fmt.Fprintf(tw, "Limit uptime:\t%s\n", acct.LimitUptime)
				fmt.Fprintf(tw, "Uptime:\t%s\n", acct.Uptime)
				fmt.Fprintf(tw, "Bytes in/out:\t%d / %d\n", acct.BytesIn, acct.BytesOut)
				fmt.Fprintf(tw, "Disabled:\t%t\n", acct.Disabled)
				fmt.Fprintf(tw, "Comment:\t%s\n", acct.Comment)
				return tw.Flush()
			})
		},
	}
}

func userRemoveCmd(o *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "remove <username>",
		Short: "Delete a hotspot user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirm(cmd, fmt.Sprintf("Remove hotspot user %q?", args[0])) {
				return errors.New("aborted")
			}
			return o.run(cmd, func(ctx context.Context, svc *hotspot.Service) error {
				removed, err := svc.RemoveUser(ctx, args[0])
				if err != nil {
					return err
				}
				if !removed {
					fmt.Fprintf(cmd.OutOrStdout(), "User %s did not exist\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func userProvisionCmd(o *options) *cobra.Command {
	var password, plan string
	cmd := &cobra.Command{
		Use:   "provision <username>",
		Short: "Create or update a hotspot user on a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			generated := false
			if password == "" {
				var err error
				if password, err = transaction.GeneratePassword(); err != nil {
					return err
				}
				generated = true
			}
			return o.run(cmd, func(ctx context.Context, svc *hotspot.Service) error {
				if err := svc.CreateOrUpdateUser(ctx, args[0], password, plan); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Provisioned %s on plan %s\n", args[0], plan)
				if generated {
					fmt.Fprintf(out, "Password: %s\n", password)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password (generated when empty)")
	cmd.Flags().StringVar(&plan, "plan", "", "Plan id or alias")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func sessionCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and end active hotspot sessions",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List active sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, svc *hotspot.Service) error {
				sessions, err := svc.ListActiveSessions(ctx)
				if err != nil {
					return err
				}
				if o.asJSON {
					return writeJSON(cmd.OutOrStdout(), sessions)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USER\tADDRESS\tMAC\tUPTIME\tTIME LEFT")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.User, s.Address, s.MACAddress, s.Uptime, s.SessionTimeLeft)
				}
				return tw.Flush()
			})
		},
	}
	kick := &cobra.Command{
		Use:   "kick <username>",
		Short: "Disconnect every active session of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, svc *hotspot.Service) error {
				n, err := svc.DisconnectActiveSession(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Disconnected %d session(s) of %s\n", n, args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(list, kick)
	return cmd
}

func profilesCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List hotspot user profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, svc *hotspot.Service) error {
				profiles, err := svc.ListUserProfiles(ctx)
				if err != nil {
					return err
				}
				if o.asJSON {
					return writeJSON(cmd.OutOrStdout(), profiles)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tSHARED\tRATE LIMIT\tSESSION TIMEOUT")
				for _, p := range profiles {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.SharedUsers, p.RateLimit, p.SessionTimeout)
				}
				return tw.Flush()
			})
		},
	}
}

// plansCmd never touches the router.
func plansCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "Show the plan table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := hotspot.LoadPlanTable(o.plansFile)
			if err != nil {
				return err
			}
			if o.asJSON {
				return writeJSON(cmd.OutOrStdout(), table.Plans())
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPROFILE\tUPTIME\tPRICE\tALIASES")
			for _, p := range table.Plans() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Profile, p.RouterUptime(), p.Price.String(), strings.Join(p.Aliases, ","))
			}
			return tw.Flush()
		},
	}
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the bcrypt hash for ADMIN_API_KEY_HASH",
		Long:  "Hashes the given admin API key, or one read from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read key: %w", err)
				}
				key = strings.TrimSpace(line)
			}
			hash, err := auth.HashAPIKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
