package app

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// サブコマンド名
const (
	// CommandAgent は同期エージェントとして起動することを示す。
	CommandAgent = "agent"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck = "healthcheck"
	// CommandSignUp はアカウントを作成することを示す。
	CommandSignUp = "signup"
	// CommandResetPassword はパスワード再設定を行うことを示す。
	CommandResetPassword = "reset-password"
)

// NewRootCommand はtasksyncのルートコマンドを生成する。
// サブコマンドなしで起動した場合はagentとして動く。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "tasksync",
		Short:         "Project and task synchronization agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return agentCmd(w).RunE(cmd, args)
		},
	}
	root.SetOut(w)
	root.SetErr(w)

	root.AddCommand(agentCmd(w))
	root.AddCommand(migrateCmd(w))
	root.AddCommand(healthcheckCmd())
	root.AddCommand(signUpCmd(w))
	root.AddCommand(resetPasswordCmd(w))

	return root
}

func agentCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   CommandAgent,
		Short: "Sign in, keep projects and tasks in sync, and serve the ops API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			slog.Info("starting application",
				slog.String("command", CommandAgent),
				slog.String("backend", cfg.StoreBackend),
				slog.String("port", cfg.ServerPort),
			)
			return runAgent(cmd.Context(), cfg, slog.Default(), nil)
		},
	}
}

func migrateCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   CommandMigrate,
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runMigrate(cfg)
		},
	}
}

// healthcheckCmd は軽量サブコマンドのため、フル初期化をスキップする。
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   CommandHealthcheck,
		Short: "Check the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(cmd.Context(), healthcheckPort())
		},
	}
}

func signUpCmd(w io.Writer) *cobra.Command {
	var email, password, displayName string
	cmd := &cobra.Command{
		Use:   CommandSignUp,
		Short: "Create an account and its profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runSignUp(cmd.Context(), cmd.OutOrStdout(), cfg, slog.Default(), email, password, displayName)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("password")
	return cmd
}

func resetPasswordCmd(w io.Writer) *cobra.Command {
	var email, token, newPassword string
	cmd := &cobra.Command{
		Use:   CommandResetPassword,
		Short: "Request a password reset, or complete one with --token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			if token != "" {
				return runCompleteReset(cmd.Context(), cmd.OutOrStdout(), cfg, slog.Default(), token, newPassword)
			}
			return runRequestReset(cmd.Context(), cmd.OutOrStdout(), cfg, slog.Default(), email)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address to send the reset token for")
	cmd.Flags().StringVar(&token, "token", "", "Reset token to complete the reset")
	cmd.Flags().StringVar(&newPassword, "new-password", "", "New password (with --token)")
	cmd.MarkFlagsOneRequired("email", "token")
	cmd.MarkFlagsMutuallyExclusive("email", "token")
	cmd.MarkFlagsRequiredTogether("token", "new-password")
	return cmd
}
