package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/gitgate/gitgate/pkg/client"
)

type LoginCmd struct {
	Username string `arg:"" help:"Account to log in as."`
	Password string `help:"Password. Read from stdin when omitted." short:"p"`
}

func (c *LoginCmd) Run(ctx *cliCtx) error {
	password := c.Password
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	api, err := client.New(client.Config{ServerURL: ctx.ServerURL, Logger: ctx.Logger})
	if err != nil {
		return err
	}
	res, err := api.Login(ctx, c.Username, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if err := ctx.Keyring.Set(keyringService, keyringTokenKey, res.Token); err != nil {
		return fmt.Errorf("storing session token: %w", err)
	}
	fmt.Printf("Logged in as %s\n", res.Username)
	return nil
}

type LogoutCmd struct{}

func (c *LogoutCmd) Run(ctx *cliCtx) error {
	if err := ctx.Keyring.Delete(keyringService, keyringTokenKey); err != nil {
		return fmt.Errorf("removing session token: %w", err)
	}
	fmt.Println("Logged out")
	return nil
}

type WhoamiCmd struct{}

func (c *WhoamiCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	u, err := api.CurrentUser(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Username: %s\n", u.Username)
	fmt.Printf("Admin:    %t\n", u.Admin)
	if len(u.Teams) > 0 {
		fmt.Printf("Teams:    %s\n", strings.Join(u.Teams, ", "))
	}
	if len(u.Repositories) > 0 {
		fmt.Printf("Repos:    %s\n", strings.Join(u.Repositories, ", "))
	}
	return nil
}
