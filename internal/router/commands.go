package router

import (
	"strings"
	"time"

	"councilbot/internal/review"
	kit "councilbot/internal/transport"
)

const replyTimeout = 10 * time.Second

type access int

const (
	accessEveryone access = iota
	accessManageRoles
	accessAdmin
)

type route struct {
	access access
	// deferred acknowledges before handling; ephemeral applies to that ack.
	deferred  bool
	ephemeral bool
	handle    HandlerFunc
}

type componentRoute struct {
	name   string
	prefix string
	exact  bool
	route  route
}

func (c componentRoute) match(customID string) bool {
	if c.exact {
		return customID == c.prefix
	}
	return strings.HasPrefix(customID, c.prefix)
}

func (r *Router) commandRoutes() map[string]route {
	return map[string]route{
		"role-persist add":    {access: accessManageRoles, deferred: true, handle: r.rolePersistAdd},
		"role-persist remove": {access: accessManageRoles, deferred: true, handle: r.rolePersistRemove},
		"role-persist check":  {access: accessEveryone, deferred: true, ephemeral: true, handle: r.rolePersistCheck},

		"vote end-early":      {access: accessAdmin, deferred: true, handle: r.voteEndEarly},
		"vote allow-resubmit": {access: accessAdmin, handle: r.voteAllowResubmit},
		"vote view":           {access: accessAdmin, deferred: true, ephemeral: true, handle: r.voteView},

		"applicable-role add":    {access: accessAdmin, handle: r.applicableAdd},
		"applicable-role edit":   {access: accessAdmin, handle: r.applicableEdit},
		"applicable-role remove": {access: accessAdmin, handle: r.applicableRemove},
		"applicable-role list":   {access: accessAdmin, handle: r.applicableList},

		"setup-role-select":      {access: accessAdmin, deferred: true, ephemeral: true, handle: r.setupRoleSelect},
		"configuration set-role": {access: accessAdmin, handle: r.configSetRole},
	}
}

func (r *Router) componentRoutes() []componentRoute {
	return []componentRoute{
		{name: "component start", prefix: review.StartPortfolioMenu, exact: true,
			route: route{deferred: true, ephemeral: true, handle: r.startPortfolio}},
		{name: "component submit", prefix: review.SubmitButtonPrefix,
			route: route{deferred: true, ephemeral: true, handle: r.submitPortfolio}},
		{name: "component cancel", prefix: review.CancelButtonPrefix,
			route: route{handle: r.cancelPortfolio}},
	}
}

// Commands are the slash command definitions registered in each guild.
func Commands() []kit.Command {
	user := kit.CommandOption{Name: "user", Description: "The member.", Type: kit.OptionUser, Required: true}
	role := kit.CommandOption{Name: "role", Description: "The role.", Type: kit.OptionRole, Required: true}
	return []kit.Command{
		{
			Name:        "role-persist",
			Description: "Allows adding and removing roles that persist after leaving.",
			Subcommands: []kit.Subcommand{
				{Name: "add", Description: "Add a role that will persist after leaving.", Options: []kit.CommandOption{
					user, role,
					{Name: "expire-in", Description: "Expire in format '1d 3hr 5min' or 'permanent'.", Type: kit.OptionString},
				}},
				{Name: "remove", Description: "Remove the role from the user and keep it from persisting.", Options: []kit.CommandOption{user, role}},
				{Name: "check", Description: "See what roles are persisting on a user.", Options: []kit.CommandOption{user}},
			},
		},
		{
			Name:        "vote",
			Description: "Manage the current vote.",
			Subcommands: []kit.Subcommand{
				{Name: "end-early", Description: "End the vote now."},
				{Name: "allow-resubmit", Description: "Let a user apply for a role again without waiting.", Options: []kit.CommandOption{user, role}},
				{Name: "view", Description: "View vote history on a user.", Options: []kit.CommandOption{user}},
			},
		},
		{
			Name:        "applicable-role",
			Description: "Manage the roles members can apply for.",
			Subcommands: []kit.Subcommand{
				{Name: "add", Description: "Add a role that can be applied for.", Options: []kit.CommandOption{
					role,
					{Name: "emoji", Description: "Emoji shown on the select menu.", Type: kit.OptionString, Required: true},
					{Name: "description", Description: "Short description of the role.", Type: kit.OptionString, Required: true},
					{Name: "net-votes-required", Description: "Yes minus no votes needed; 0 uses the default.", Type: kit.OptionInteger},
				}},
				{Name: "edit", Description: "Edit a role that can be applied for.", Options: []kit.CommandOption{
					role,
					{Name: "emoji", Description: "Emoji shown on the select menu.", Type: kit.OptionString},
					{Name: "description", Description: "Short description of the role.", Type: kit.OptionString},
					{Name: "net-votes-required", Description: "Yes minus no votes needed; 0 uses the default.", Type: kit.OptionInteger},
				}},
				{Name: "remove", Description: "Remove a role that can be applied for.", Options: []kit.CommandOption{role}},
				{Name: "list", Description: "List the roles that can be applied for."},
			},
		},
		{Name: "setup-role-select", Description: "Sets up the role selection message."},
		{
			Name:        "configuration",
			Description: "Change bot settings.",
			Subcommands: []kit.Subcommand{
				{Name: "set-role", Description: "Set the value of a role setting.", Options: []kit.CommandOption{
					{Name: "setting", Description: "The setting.", Type: kit.OptionString, Required: true, Choices: []string{settingCouncilRole}},
					role,
				}},
			},
		},
	}
}
