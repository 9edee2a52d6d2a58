package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/legisapp/legis/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigProviders(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    llmConfig
		wantErr bool
	}{
		{
			name: "Echo",
			yaml: "llm:\n  provider: echo\n  prefix: 'Eco: '\n  delay: 20ms\n",
			want: &echoConfig{BaseLLMConfig: BaseLLMConfig{Provider: "echo"}, Prefix: "Eco: ", Delay: 20 * time.Millisecond},
		},
		{
			name: "Ollama",
			yaml: "llm:\n  provider: ollama\n  model: llama3\n  host: http://gpu:11434\n",
			want: &ollamaConfig{BaseLLMConfig: BaseLLMConfig{Provider: "ollama", Model: "llama3"}, Host: "http://gpu:11434"},
		},
		{
			name: "Anthropic",
			yaml: "llm:\n  provider: anthropic\n  model: claude\n  maxTokens: 1000\n",
			want: &anthropicConfig{BaseLLMConfig: BaseLLMConfig{Provider: "anthropic", Model: "claude"}, MaxTokens: 1000},
		},
		{
			name:    "Unknown provider",
			yaml:    "llm:\n  provider: mystery\n",
			wantErr: true,
		},
		{
			name:    "Missing provider",
			yaml:    "llm:\n  model: x\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			err := yaml.Unmarshal([]byte(tt.yaml), &cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.LLM)
		})
	}
}

func TestConfigOpenAIParameters(t *testing.T) {
	var cfg config
	err := yaml.Unmarshal([]byte(`
llm:
  provider: openai
  model: gpt-4o-mini
  apiKey: sk-test
  baseURL: https://openrouter.ai/api/v1
  parameters:
    temperature: 0.2
    maxTokens: 512
    stop: ["FIN"]
`), &cfg)
	require.NoError(t, err)

	oc, ok := cfg.LLM.(*openaiConfig)
	require.True(t, ok)
	assert.Equal(t, "https://openrouter.ai/api/v1", oc.BaseURL)
	require.NotNil(t, oc.Parameters.Temperature)
	assert.InDelta(t, 0.2, *oc.Parameters.Temperature, 1e-6)
	require.NotNil(t, oc.Parameters.MaxTokens)
	assert.Equal(t, 512, *oc.Parameters.MaxTokens)
	assert.Equal(t, []string{"FIN"}, oc.Parameters.Stop)

	llm, err := oc.llm("", nil)
	require.NoError(t, err)
	assert.IsType(t, services.OpenAI{}, llm)
}

func TestConfigProviderValidation(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	tests := []struct {
		name string
		cfg  llmConfig
	}{
		{name: "Ollama without model", cfg: ollamaConfig{}},
		{name: "OpenAI without key", cfg: openaiConfig{BaseLLMConfig: BaseLLMConfig{Model: "m"}}},
		{name: "Anthropic without max tokens", cfg: anthropicConfig{BaseLLMConfig: BaseLLMConfig{Model: "m"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.llm("", nil)
			require.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := loadConfig(filepath.Join(dir, "missing.yaml"), dir)
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, filepath.Join(dir, "store.db"), cfg.DBPath)
	assert.IsType(t, &echoConfig{}, cfg.LLM)

	path := filepath.Join(dir, "devapi.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"9090\"\nsessionTTL: 2h\nsystemPrompt: Eres un asistente legal.\n"), 0600))

	cfg, err = loadConfig(path, dir)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
	assert.Equal(t, "Eres un asistente legal.", cfg.SystemPrompt)
	assert.IsType(t, &echoConfig{}, cfg.LLM, "the default provider is kept")
}
