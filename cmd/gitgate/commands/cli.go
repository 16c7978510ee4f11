package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/gitgate/gitgate/pkg/client"
	"github.com/gitgate/gitgate/pkg/oskeyring"
)

const (
	keyringService  = "gitgate"
	keyringTokenKey = "token"
)

type cliCtx struct {
	context.Context
	Logger    *slog.Logger
	Keyring   oskeyring.Service
	ServerURL string
}

// client builds an API client carrying the stored session token, when one
// exists.
func (c *cliCtx) client() (*client.Client, error) {
	token, err := c.Keyring.Get(keyringService, keyringTokenKey)
	if err != nil && !errors.Is(err, oskeyring.ErrNotFound) {
		return nil, err
	}
	return client.New(client.Config{ServerURL: c.ServerURL, Token: token, Logger: c.Logger})
}

type cli struct {
	Login  LoginCmd  `cmd:"" help:"Authenticate and store the session token in the OS keychain."`
	Logout LogoutCmd `cmd:"" help:"Remove the stored session token."`
	Whoami WhoamiCmd `cmd:"" help:"Show the currently authenticated user."`
	Users  UsersCmd  `cmd:"" help:"Manage users."`
	Teams  TeamsCmd  `cmd:"" help:"Manage teams."`
	Roles  RolesCmd  `cmd:"" help:"Manage repository role bypass lists."`

	Server  string           `help:"gitgate server URL." env:"GITGATE_SERVER" default:"http://localhost:8080"`
	Debug   bool             `help:"Enable debug logging."`
	Version kong.VersionFlag `help:"Show version."`
}

func Execute(version string) {
	var cli cli
	ctx := kong.Parse(&cli,
		kong.UsageOnError(),
		kong.Name("gitgate"),
		kong.Description("gitgate administers users, teams, and repository access"),
		kong.Vars{"version": version},
	)

	level := slog.LevelWarn
	if cli.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	err := ctx.Run(&cliCtx{
		Context:   context.Background(),
		Logger:    logger,
		Keyring:   oskeyring.NewDefaultService(),
		ServerURL: cli.Server,
	})
	ctx.FatalIfErrorf(err)
}
