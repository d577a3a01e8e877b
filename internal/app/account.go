package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hitoshi/tasksync/internal/config"
	"github.com/hitoshi/tasksync/internal/model"
)

// runSignUp はアカウントとプロフィールを作成する。
func runSignUp(ctx context.Context, out io.Writer, cfg *config.Config, log *slog.Logger, email, password, displayName string) error {
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	c := newClient(cfg, b, newProvider(cfg, b, log), nil, log)
	c.Start(ctx)
	defer c.Close()

	identity, err := c.Session.SignUp(ctx, email, password, password)
	if err != nil {
		return fmt.Errorf("sign-up failed: %w", describe(err))
	}
	if displayName != "" {
		if err := c.Session.UpdateDisplayName(ctx, displayName); err != nil {
			return fmt.Errorf("failed to set display name: %w", describe(err))
		}
	}
	c.Session.SignOut(ctx)

	fmt.Fprintf(out, "created user %s (%s)\n", identity.ID, identity.Email)
	return nil
}

// runRequestReset はパスワード再設定トークンを発行する。トークンはログに出力される。
func runRequestReset(ctx context.Context, out io.Writer, cfg *config.Config, log *slog.Logger, email string) error {
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	c := newClient(cfg, b, newProvider(cfg, b, log), nil, log)
	c.Start(ctx)
	defer c.Close()

	if err := c.Session.SendPasswordReset(ctx, email); err != nil {
		return fmt.Errorf("password reset request failed: %w", describe(err))
	}
	fmt.Fprintln(out, "password reset issued")
	return nil
}

// runCompleteReset はトークンを使ってパスワードを再設定する。
func runCompleteReset(ctx context.Context, out io.Writer, cfg *config.Config, log *slog.Logger, token, newPassword string) error {
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	if err := newProvider(cfg, b, log).ResetPassword(ctx, token, newPassword); err != nil {
		return fmt.Errorf("password reset failed: %w", describe(err))
	}
	fmt.Fprintln(out, "password updated")
	return nil
}

// describe はエラーに利用者向けのコードとメッセージを付ける。
func describe(err error) error {
	if err == nil {
		return nil
	}
	appErr := model.AsAppError(err)
	return fmt.Errorf("%s: %s: %w", appErr.Code, appErr.Message, err)
}
