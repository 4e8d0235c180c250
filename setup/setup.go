package setup

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"parley.chat/config"
)

// RunSetup walks through the settings the client needs and writes them
// to config.yaml.
func RunSetup() {
	log.Info("Starting Parley setup...")

	backendURL := viper.GetString(config.KeyBackendURL)
	apiKey := viper.GetString(config.KeyAPIKey)
	agentID := viper.GetString(config.KeyAgentID)
	participantName := viper.GetString(config.KeyParticipantName)
	openaiKey := viper.GetString(config.KeyOpenAIAPIKey)
	keepArchive := viper.GetString(config.KeyDBPath) != ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Backend URL").
				Description("The session backend, e.g. https://api.parley.chat").
				Value(&backendURL),
			huh.NewInput().
				Title("Backend API key").
				Description("Leave empty for the public variant").
				Value(&apiKey),
			huh.NewInput().
				Title("Default agent ID").
				Description("The agent to talk to when none is given").
				Value(&agentID),
			huh.NewInput().
				Title("Your display name").
				Value(&participantName),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("OpenAI API key").
				Description("Optional, used by the summarize command").
				Value(&openaiKey),
			huh.NewConfirm().
				Title("Keep a local archive of your conversations?").
				Value(&keepArchive),
		),
	)

	if err := form.Run(); err != nil {
		log.Fatal("Error during setup", "error", err)
	}

	viper.Set(config.KeyBackendURL, backendURL)
	viper.Set(config.KeyAPIKey, apiKey)
	viper.Set(config.KeyAgentID, agentID)
	viper.Set(config.KeyParticipantName, participantName)
	viper.Set(config.KeyOpenAIAPIKey, openaiKey)
	if keepArchive {
		if viper.GetString(config.KeyDBPath) == "" {
			viper.Set(config.KeyDBPath, "./parley.db")
		}
	} else {
		viper.Set(config.KeyDBPath, "")
	}

	if err := viper.WriteConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			err = viper.WriteConfigAs("config.yaml")
		}
		if err != nil {
			log.Fatal("Error saving configuration", "error", err)
		}
	}

	log.Info("Setup completed successfully!")
}
