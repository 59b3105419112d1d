package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mindroomhq/mindroom/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runOnboard(resolveConfigPath()); err != nil {
				fmt.Fprintln(os.Stderr, "onboard failed:", err)
				os.Exit(1)
			}
		},
	}
}

// runOnboard collects the minimum viable deployment interactively and writes
// the config file. Secrets are never written; the wizard prints the env vars
// to export instead.
func runOnboard(cfgPath string) error {
	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
				Value(&overwrite),
		))
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping existing config.")
			return nil
		}
	}

	var (
		homeserverURL = "http://localhost:8008"
		domain        = "localhost"
		provider      = "openai"
		modelName     = "gpt-4o"
		baseURL       string
		agentID       = "assistant"
		instructions  = "You are a helpful general-purpose assistant."
		roomAlias     = "#lobby"
	)

	required := func(field string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", field)
			}
			return nil
		}
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Homeserver URL").
				Description("Base URL of the Matrix homeserver the bots connect to.").
				Value(&homeserverURL).
				Validate(func(s string) error {
					u, err := url.Parse(s)
					if err != nil || u.Scheme == "" || u.Host == "" {
						return fmt.Errorf("enter a full URL like http://localhost:8008")
					}
					return nil
				}),
			huh.NewInput().
				Title("Server domain").
				Description("The domain part of user ids, e.g. example.org for @assistant:example.org.").
				Value(&domain).
				Validate(required("domain")),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Model provider").
				Options(
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("OpenRouter", "openrouter"),
					huh.NewOption("Other OpenAI-compatible endpoint", "custom"),
				).
				Value(&provider),
			huh.NewInput().
				Title("Model name").
				Description("Provider model identifier, e.g. gpt-4o.").
				Value(&modelName).
				Validate(required("model")),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("First agent id").
				Description("Localpart of the agent's Matrix account.").
				Value(&agentID).
				Validate(required("agent id")),
			huh.NewInput().
				Title("Agent instructions").
				Value(&instructions),
			huh.NewInput().
				Title("Shared room alias").
				Description("Created on first start; the router and agent are invited.").
				Value(&roomAlias).
				Validate(required("room alias")),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if provider == "custom" {
		endpoint := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Endpoint base URL").
				Value(&baseURL).
				Validate(required("base URL")),
		))
		if err := endpoint.Run(); err != nil {
			return err
		}
		provider = "openai"
	}
	if provider == "openrouter" {
		provider = "openai"
		baseURL = "https://openrouter.ai/api/v1"
	}

	if !strings.HasPrefix(roomAlias, "#") {
		roomAlias = "#" + roomAlias
	}
	if !strings.Contains(roomAlias, ":") {
		roomAlias += ":" + domain
	}

	modelID := "default"
	snap := config.Default()
	snap.Homeserver.URL = homeserverURL
	snap.Homeserver.Domain = domain
	snap.Router = config.RouterSpec{Model: modelID, Rooms: []string{roomAlias}}
	snap.Agents = []config.AgentSpec{{
		ID:           agentID,
		Rooms:        []string{roomAlias},
		Model:        modelID,
		Instructions: instructions,
	}}
	snap.Rooms = []config.RoomSpec{{
		ID:          roomAlias,
		DisplayName: "Lobby",
		Members:     []string{snap.RouterID(), agentID},
	}}
	snap.Models = []config.ModelSpec{{
		ID:       modelID,
		Provider: provider,
		Model:    modelName,
		BaseURL:  baseURL,
	}}
	snap.Defaults.Model = modelID

	data, err := snap.Serialize()
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfgPath, data, 0644); err != nil {
		return err
	}

	fmt.Printf("\nWrote %s\n\n", cfgPath)
	fmt.Println("Before starting, export the secrets:")
	fmt.Println("  export MINDROOM_REGISTRATION_SECRET=...   # homeserver shared registration secret")
	fmt.Println("  export MINDROOM_BOT_PASSWORD=...          # password for all bot accounts")
	fmt.Printf("  export MINDROOM_MODEL_%s_API_KEY=...  # API key for model %q\n",
		strings.ToUpper(modelID), modelID)
	fmt.Println("\nThen run:  mindroom serve")
	return nil
}
