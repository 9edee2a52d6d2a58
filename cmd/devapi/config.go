package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/legisapp/legis/internal/devapi"
	"github.com/legisapp/legis/internal/logging"
	"github.com/legisapp/legis/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (devapi.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port         string         `yaml:"port"`
	DBPath       string         `yaml:"dbPath"`
	SystemPrompt string         `yaml:"systemPrompt"`
	SessionTTL   time.Duration  `yaml:"sessionTTL"`
	LLM          llmConfig      `yaml:"llm"`
	Log          logging.Config `yaml:"log"`
}

type echoConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Prefix        string        `yaml:"prefix"`
	Delay         time.Duration `yaml:"delay"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openaiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
	MaxTokens     int    `yaml:"maxTokens"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		DBPath       string         `yaml:"dbPath"`
		SystemPrompt string         `yaml:"systemPrompt"`
		SessionTTL   time.Duration  `yaml:"sessionTTL"`
		LLM          map[string]any `yaml:"llm"`
		Log          logging.Config `yaml:"log"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.Port != "" {
		c.Port = rawConfig.Port
	}
	if rawConfig.DBPath != "" {
		c.DBPath = rawConfig.DBPath
	}
	c.SystemPrompt = rawConfig.SystemPrompt
	c.SessionTTL = rawConfig.SessionTTL
	c.Log = rawConfig.Log

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "echo":
		llm = &echoConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openaiConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm
	return nil
}

func (e echoConfig) llm(string, *slog.Logger) (devapi.LLM, error) {
	return services.NewEcho(e.Prefix, e.Delay), nil
}

func (o ollamaConfig) llm(systemPrompt string, _ *slog.Logger) (devapi.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt)
}

func (o openaiConfig) llm(systemPrompt string, logger *slog.Logger) (devapi.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey is required")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (a anthropicConfig) llm(systemPrompt string, _ *slog.Logger) (devapi.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, systemPrompt, a.MaxTokens), nil
}

// configPath returns $LEGIS_CONFIG, or devapi.yaml in the user's legis config directory.
func configPath() (string, string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", "", fmt.Errorf("error getting user config dir: %w", err)
	}
	dir := filepath.Join(cfgDir, "legis")
	if p := os.Getenv("LEGIS_CONFIG"); p != "" {
		return p, dir, nil
	}
	return filepath.Join(dir, "devapi.yaml"), dir, nil
}

// loadConfig reads the file at path over the defaults: port 8080, the echo provider and a store.db
// next to the config files in dataDir. A missing file is not an error.
func loadConfig(path, dataDir string) (config, error) {
	cfg := config{
		Port:   "8080",
		DBPath: filepath.Join(dataDir, "store.db"),
		LLM:    &echoConfig{BaseLLMConfig: BaseLLMConfig{Provider: "echo"}, Prefix: "Echo: "},
	}

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}
	return cfg, nil
}
