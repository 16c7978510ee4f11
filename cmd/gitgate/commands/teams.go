package commands

import (
	"fmt"
	"strings"

	"github.com/gitgate/gitgate"
)

type TeamsCmd struct {
	List   TeamsListCmd   `cmd:"" help:"List team names."`
	Get    TeamsGetCmd    `cmd:"" help:"Show one team."`
	Create TeamsCreateCmd `cmd:"" help:"Create a team."`
	Update TeamsUpdateCmd `cmd:"" help:"Replace a team's members and grants."`
	Rename TeamsRenameCmd `cmd:"" help:"Rename a team, keeping members and grants."`
	Delete TeamsDeleteCmd `cmd:"" help:"Delete a team."`
}

type TeamsListCmd struct{}

func (c *TeamsListCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	names, err := api.Teamnames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

type TeamsGetCmd struct {
	Teamname string `arg:"" help:"Team to show."`
}

func (c *TeamsGetCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	t, err := api.Team(ctx, c.Teamname)
	if err != nil {
		return err
	}
	fmt.Printf("Name:    %s\n", t.Name)
	fmt.Printf("Members: %s\n", strings.Join(t.Users, ", "))
	fmt.Printf("Repos:   %s\n", strings.Join(t.Repositories, ", "))
	return nil
}

type TeamsCreateCmd struct {
	Teamname string   `arg:"" help:"Name of the new team."`
	User     []string `help:"Member usernames (repeatable)." sep:","`
	Repo     []string `help:"Repository grants (repeatable)." sep:","`
}

func (c *TeamsCreateCmd) Run(ctx *cliCtx) error {
	return putTeam(ctx, c.Teamname, c.Teamname, c.User, c.Repo, "Created")
}

type TeamsUpdateCmd struct {
	Teamname string   `arg:"" help:"Team to update."`
	User     []string `help:"Member usernames (replaces the full list)." sep:","`
	Repo     []string `help:"Repository grants (replaces the full list)." sep:","`
}

func (c *TeamsUpdateCmd) Run(ctx *cliCtx) error {
	return putTeam(ctx, c.Teamname, c.Teamname, c.User, c.Repo, "Updated")
}

type TeamsRenameCmd struct {
	Old string `arg:"" help:"Current team name."`
	New string `arg:"" help:"New team name."`
}

func (c *TeamsRenameCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	cur, err := api.Team(ctx, c.Old)
	if err != nil {
		return err
	}
	cur.Name = c.New
	if err := api.PutTeam(ctx, c.Old, cur); err != nil {
		return err
	}
	fmt.Printf("Renamed team %s to %s\n", c.Old, c.New)
	return nil
}

type TeamsDeleteCmd struct {
	Teamname string `arg:"" help:"Team to delete."`
}

func (c *TeamsDeleteCmd) Run(ctx *cliCtx) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	if err := api.DeleteTeam(ctx, c.Teamname); err != nil {
		return err
	}
	fmt.Printf("Deleted team %s\n", c.Teamname)
	return nil
}

func putTeam(ctx *cliCtx, key, name string, users, repos []string, verb string) error {
	api, err := ctx.client()
	if err != nil {
		return err
	}
	t := &gitgate.Team{Name: name, Users: users, Repositories: repos}
	if err := api.PutTeam(ctx, key, t); err != nil {
		return err
	}
	fmt.Printf("%s team %s\n", verb, name)
	return nil
}
