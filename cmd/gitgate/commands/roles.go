package commands

import "fmt"

type RolesCmd struct {
	Users  RolesUsersCmd  `cmd:"" help:"Show or replace the users granted a repository role."`
	Teams  RolesTeamsCmd  `cmd:"" help:"Show or replace the teams granted a repository role."`
	Rename RolesRenameCmd `cmd:"" help:"Rename a repository role everywhere it is granted."`
	Delete RolesDeleteCmd `cmd:"" help:"Remove a repository role from every grant set."`
}

type RolesUsersCmd struct {
	Role  string   `arg:"" help:"Repository role (org/repo)."`
	Set   []string `help:"Replace the holder list with these usernames." sep:","`
	Clear bool     `help:"Clear every direct user grant for the role."`
}

func (c *RolesUsersCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	switch {
	case c.Clear:
		return api.SetUsernamesForRole(ctx, c.Role, nil)
	case len(c.Set) > 0:
		return api.SetUsernamesForRole(ctx, c.Role, c.Set)
	default:
		names, err := api.UsernamesForRole(ctx, c.Role)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	}
}

type RolesTeamsCmd struct {
	Role  string   `arg:"" help:"Repository role (org/repo)."`
	Set   []string `help:"Replace the holder list with these team names." sep:","`
	Clear bool     `help:"Clear every team grant for the role."`
}

func (c *RolesTeamsCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	switch {
	case c.Clear:
		return api.SetTeamnamesForRole(ctx, c.Role, nil)
	case len(c.Set) > 0:
		return api.SetTeamnamesForRole(ctx, c.Role, c.Set)
	default:
		names, err := api.TeamnamesForRole(ctx, c.Role)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	}
}

type RolesRenameCmd struct {
	Old string `arg:"" help:"Current role (org/repo)."`
	New string `arg:"" help:"New role (org/repo)."`
}

func (c *RolesRenameCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	if err := api.RenameRole(ctx, c.Old, c.New); err != nil {
		return err
	}
	fmt.Printf("Renamed role %s to %s\n", c.Old, c.New)
	return nil
}

type RolesDeleteCmd struct {
	Role string `arg:"" help:"Role to remove (org/repo)."`
}

func (c *RolesDeleteCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	if err := api.DeleteRole(ctx, c.Role); err != nil {
		return err
	}
	fmt.Printf("Deleted role %s\n", c.Role)
	return nil
}
