package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meowfeeder/meowfeeder/internal/backend"
	"github.com/meowfeeder/meowfeeder/internal/config"
)

var (
	cfgFile    string
	serverURL  string
	debug      bool
	jsonOutput bool

	cfg *config.Config
	api *backend.Client
)

var errNotLoggedIn = errors.New("not logged in, run `feeder-control login` first")

var rootCmd = &cobra.Command{
	Use:   "feeder-control",
	Short: "Control a Meow Feeder from the terminal",
	Long: `feeder-control talks to the feeder backend and opens a live session
to the first online feeder on your account.

Credentials come from the config file, the BACKEND_* environment variables
or a previous login.`,
	PersistentPreRunE: setupApp,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupApp(_ *cobra.Command, _ []string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if serverURL != "" {
		cfg.Backend.BaseURL = serverURL
	}

	if cfg.Backend.Token == "" {
		if saved, err := loadCredentials(); err == nil {
			cfg.Backend.Token = saved.Token
			if cfg.Backend.Email == "" {
				cfg.Backend.Email = saved.Email
			}
		}
	}

	api = backend.New(cfg.Backend)
	return nil
}

type credentials struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

func credentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".meowfeeder", "credentials.json"), nil
}

func loadCredentials() (*credentials, error) {
	path, err := credentialsPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &c, nil
}

func saveCredentials(c credentials) error {
	path, err := credentialsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ensureSession logs in with configured credentials when no token is known
func ensureSession(cmd *cobra.Command) error {
	if api.Token() != "" {
		return nil
	}
	if cfg.Backend.Email == "" || cfg.Backend.Password == "" {
		return errNotLoggedIn
	}
	_, err := api.Login(cmd.Context(), cfg.Backend.Email, cfg.Backend.Password)
	return err
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "backend base URL")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON output")

	rootCmd.AddCommand(loginCmd, registerCmd, devicesCmd, feedCmd, statusCmd, stopCmd, watchCmd, schedulesCmd, autoFeedingCmd, historyCmd)
}
