package commands

import (
	"fmt"
	"strings"

	"github.com/gitgate/gitgate/pkg/client"
)

type UsersCmd struct {
	List   UsersListCmd   `cmd:"" help:"List usernames."`
	Get    UsersGetCmd    `cmd:"" help:"Show one user."`
	Create UsersCreateCmd `cmd:"" help:"Create a user."`
	Update UsersUpdateCmd `cmd:"" help:"Replace a user's fields."`
	Rename UsersRenameCmd `cmd:"" help:"Rename a user, keeping memberships and grants."`
	Delete UsersDeleteCmd `cmd:"" help:"Delete a user and purge its memberships."`
}

type UsersListCmd struct{}

func (c *UsersListCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	names, err := api.Usernames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

type UsersGetCmd struct {
	Username string `arg:"" help:"User to show."`
}

func (c *UsersGetCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	u, err := api.User(ctx, c.Username)
	if err != nil {
		return err
	}
	fmt.Printf("Username: %s\n", u.Username)
	fmt.Printf("Admin:    %t\n", u.Admin)
	fmt.Printf("Teams:    %s\n", strings.Join(u.Teams, ", "))
	fmt.Printf("Repos:    %s\n", strings.Join(u.Repositories, ", "))
	return nil
}

type UsersCreateCmd struct {
	Username string   `arg:"" help:"Name of the new user."`
	Password string   `required:"" help:"Initial password." short:"p"`
	Admin    bool     `help:"Grant the admin flag."`
	Repo     []string `help:"Direct repository grants (repeatable)." sep:","`
}

func (c *UsersCreateCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	req := client.UserRequest{Password: c.Password, Admin: c.Admin, Repositories: c.Repo}
	if err := api.PutUser(ctx, c.Username, req); err != nil {
		return err
	}
	fmt.Printf("Created user %s\n", c.Username)
	return nil
}

type UsersUpdateCmd struct {
	Username string   `arg:"" help:"User to update."`
	Password string   `help:"New password. Empty keeps the current one." short:"p"`
	Admin    bool     `help:"Grant the admin flag."`
	Repo     []string `help:"Direct repository grants (replaces the full list)." sep:","`
}

func (c *UsersUpdateCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	req := client.UserRequest{Password: c.Password, Admin: c.Admin, Repositories: c.Repo}
	if err := api.PutUser(ctx, c.Username, req); err != nil {
		return err
	}
	fmt.Printf("Updated user %s\n", c.Username)
	return nil
}

type UsersRenameCmd struct {
	Old string `arg:"" help:"Current username."`
	New string `arg:"" help:"New username."`
}

func (c *UsersRenameCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	if err := api.PutUser(ctx, c.Old, client.UserRequest{Username: c.New}); err != nil {
		return err
	}
	fmt.Printf("Renamed user %s to %s\n", c.Old, c.New)
	return nil
}

type UsersDeleteCmd struct {
	Username string `arg:"" help:"User to delete."`
}

func (c *UsersDeleteCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	if err := api.DeleteUser(ctx, c.Username); err != nil {
		return err
	}
	fmt.Printf("Deleted user %s\n", c.Username)
	return nil
}
