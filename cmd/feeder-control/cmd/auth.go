package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:   "login [email]",
	Short: "Log in and remember the session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, password, err := promptCredentials(args, false)
		if err != nil {
			return err
		}
		token, err := api.Login(cmd.Context(), email, password)
		if err != nil {
			return err
		}
		if err := saveCredentials(credentials{Email: email, Token: token}); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}
		fmt.Printf("Logged in as %s\n", email)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register [email]",
	Short: "Create an account and remember the session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, password, err := promptCredentials(args, true)
		if err != nil {
			return err
		}
		token, err := api.Register(cmd.Context(), email, password)
		if err != nil {
			return err
		}
		if err := saveCredentials(credentials{Email: email, Token: token}); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}
		fmt.Printf("Account %s created\n", email)
		return nil
	},
}

func promptCredentials(args []string, confirm bool) (string, string, error) {
	email := cfg.Backend.Email
	if len(args) == 1 {
		email = args[0]
	}
	if email == "" {
		fmt.Print("Email: ")
		_, _ = fmt.Scanln(&email)
	}
	email = strings.TrimSpace(email)

	password := cfg.Backend.Password
	if password == "" {
		fmt.Print("Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", "", fmt.Errorf("read password: %w", err)
		}
		password = string(raw)

		if confirm {
			fmt.Print("Confirm password: ")
			again, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return "", "", fmt.Errorf("read password: %w", err)
			}
			if string(again) != password {
				return "", "", fmt.Errorf("passwords do not match")
			}
		}
	}

	if email == "" || password == "" {
		return "", "", fmt.Errorf("email and password are required")
	}
	return email, password, nil
}
