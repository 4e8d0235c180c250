package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Keys recognized in config.yaml, the environment, and flag bindings.
// AutomaticEnv maps each one to its UPPER_SNAKE environment variable.
const (
	KeyBackendURL      = "backend_url"
	KeyAPIKey          = "api_key"
	KeyAgentID         = "agent_id"
	KeyParticipantName = "participant_name"
	KeyDBPath          = "db_path"
	KeyConnectTimeout  = "connect_timeout"
	KeyOpenAIAPIKey    = "openai_api_key"
	KeyPort            = "port"
)

const DefaultConnectTimeout = 15 * time.Second

// Init wires viper to ./config.yaml and the environment. A missing
// config file is fine; setup writes one on demand.
func Init() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault(KeyParticipantName, "guest")
	viper.SetDefault(KeyDBPath, "./parley.db")
	viper.SetDefault(KeyConnectTimeout, "15s")
	viper.SetDefault(KeyPort, 8080)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func BackendURL() string { return viper.GetString(KeyBackendURL) }

func APIKey() string { return viper.GetString(KeyAPIKey) }

func AgentID() string { return viper.GetString(KeyAgentID) }

func ParticipantName() string { return viper.GetString(KeyParticipantName) }

func DBPath() string { return viper.GetString(KeyDBPath) }

func OpenAIAPIKey() string { return viper.GetString(KeyOpenAIAPIKey) }

func Port() int { return viper.GetInt(KeyPort) }

// ConnectTimeout bounds a session start attempt.
func ConnectTimeout() time.Duration {
	if d := viper.GetDuration(KeyConnectTimeout); d > 0 {
		return d
	}
	return DefaultConnectTimeout
}
