package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dyluth/easel/internal/printer"
	"github.com/dyluth/easel/pkg/board"
)

var memberRole string

var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Manage who can read and write a board",
	Long: `Manage board membership.

Viewers can read and follow a board. Editors and owners can also write.
These are administrative commands and act directly on Redis.`,
}

var memberGrantCmd = &cobra.Command{
	Use:     "grant <board> <user>",
	Short:   "Grant a user a role on a board",
	Example: `  easel member grant b1 alice --role owner`,
	Args:    cobra.ExactArgs(2),
	RunE:    runMemberGrant,
}

var memberRevokeCmd = &cobra.Command{
	Use:   "revoke <board> <user>",
	Short: "Remove a user from a board",
	Args:  cobra.ExactArgs(2),
	RunE:  runMemberRevoke,
}

var memberListCmd = &cobra.Command{
	Use:   "list <board>",
	Short: "List a board's members",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemberList,
}

func init() {
	memberGrantCmd.Flags().StringVarP(&memberRole, "role", "r", string(board.RoleEditor), "Role (viewer, editor, owner)")
	memberCmd.AddCommand(memberGrantCmd, memberRevokeCmd, memberListCmd)
	rootCmd.AddCommand(memberCmd)
}

// withClient loads config and runs fn with a connected board client.
func withClient(fn func(ctx context.Context, client *board.Client) error) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, client)
}

func runMemberGrant(cmd *cobra.Command, args []string) error {
	role := board.Role(memberRole)
	if err := role.Validate(); err != nil {
		return printer.Error("invalid role", err.Error(), []string{"Valid roles: viewer, editor, owner"})
	}

	return withClient(func(ctx context.Context, client *board.Client) error {
		if err := client.SetMember(ctx, args[0], args[1], role); err != nil {
			return fmt.Errorf("failed to grant role: %w", err)
		}
		printer.Success("%s is now %s on %s\n", args[1], role, args[0])
		return nil
	})
}

func runMemberRevoke(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, client *board.Client) error {
		if err := client.RemoveMember(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("failed to revoke membership: %w", err)
		}
		printer.Success("Removed %s from %s\n", args[1], args[0])
		return nil
	})
}

func runMemberList(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, client *board.Client) error {
		members, err := client.Members(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to list members: %w", err)
		}
		if len(members) == 0 {
			printer.Info("No members found\n")
			return nil
		}

		users := make([]string, 0, len(members))
		for u := range members {
			users = append(users, u)
		}
		sort.Strings(users)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-24s %s\n", "USER", "ROLE")
		for _, u := range users {
			fmt.Fprintf(out, "%-24s %s\n", u, members[u])
		}
		return nil
	})
}
