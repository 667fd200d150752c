package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"
	"golang.org/x/term"

	"github.com/jnickel/tokengate/internal/app"
	"github.com/jnickel/tokengate/internal/tokensource"
)

// authCommand returns the 'auth' subcommand for managing credentials.
func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Manage upstream credentials",
		Commands: []*cli.Command{
			authLoginCommand(),
			authLogoutCommand(),
		},
	}
}

func authLoginCommand() *cli.Command {
	return &cli.Command{
		Name:   "login",
		Usage:  "Run the OAuth login flow and save the refresh token",
		Action: authLoginAction,
	}
}

func authLogoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "Clear the stored refresh token",
		Action: authLogoutAction,
	}
}

// authLoginAction runs the interactive authorization-code flow and persists
// the resulting refresh token.
func authLoginAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Auth.Storage == app.TokenStorageTypeEnv {
		return fmt.Errorf("cannot login with env storage (read-only). Configure file or keyring storage")
	}
	if cfg.Auth.AuthURL == "" {
		return fmt.Errorf("auth.auth_url must be configured for interactive login")
	}

	store, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return fmt.Errorf("failed to create token store: %w", err)
	}

	refreshToken, err := runOAuthLogin(ctx, cfg)
	if err != nil {
		return fmt.Errorf("oauth login failed: %w", err)
	}

	if err := store.Write(ctx, refreshToken); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}

	fmt.Println()
	fmt.Println("=== Login Successful ===")
	fmt.Println("Refresh token saved to configured storage")

	return nil
}

// authLogoutAction clears the stored refresh token.
func authLogoutAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Auth.Storage == app.TokenStorageTypeEnv {
		return fmt.Errorf("cannot logout with env storage (read-only). Configure file or keyring storage")
	}

	store, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return fmt.Errorf("failed to create token store: %w", err)
	}

	// Clear token via empty string write to maintain storage abstraction
	if err := store.Write(ctx, ""); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}

	fmt.Println()
	fmt.Println("=== Logout Successful ===")
	fmt.Println("Credentials cleared from configured storage")

	return nil
}

// readSecureInput reads user input with hidden display and context cancellation support.
// Goroutine+select pattern required because term.ReadPassword has no native context support.
func readSecureInput(ctx context.Context, prompt string) (string, error) {
	fmt.Print(prompt)
	defer fmt.Println()

	type result struct {
		value string
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		inputBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		resultCh <- result{value: string(inputBytes), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return "", fmt.Errorf("failed to read input: %w", res.err)
		}
		return res.value, nil
	}
}

// runOAuthLogin performs the interactive authorization-code flow with PKCE.
func runOAuthLogin(ctx context.Context, cfg *app.Config) (string, error) {
	authorizer := tokensource.NewAuthorizer(tokensource.Config{
		TokenURL: cfg.Auth.TokenURL,
		ClientID: cfg.Auth.ClientID,
		Scopes:   cfg.Auth.Scopes,
	}, cfg.Auth.AuthURL, cfg.Auth.RedirectURL)

	verifier := oauth2.GenerateVerifier()
	authURL := authorizer.AuthCodeURL(verifier)

	fmt.Println("=== OAuth Login ===")
	fmt.Println()
	fmt.Printf("1. Visit this URL in your browser:\n   %s\n\n", authURL)
	fmt.Println("2. Authorize the application")
	fmt.Println("3. Paste the authorization code")

	code, err := readSecureInput(ctx, "\nEnter authorization code: ")
	if err != nil {
		return "", err
	}

	if code == "" {
		return "", fmt.Errorf("authorization code cannot be empty")
	}

	token, err := authorizer.Exchange(ctx, code, verifier)
	if err != nil {
		return "", fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if token.RefreshToken == "" {
		return "", fmt.Errorf("token endpoint returned no refresh token")
	}

	return token.RefreshToken, nil
}
