package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderHash      = "hash"

	SemanticChromem = "chromem"
	SemanticChroma  = "chroma"

	FactsMem0     = "mem0"
	FactsSQLite   = "sqlite"
	FactsPostgres = "postgres"
)

type Config struct {
	DefaultLLM string                    `toml:"default_llm"`
	LLMs       map[string]*LLMConfig     `toml:"llm"`
	Memory     MemoryConfig              `toml:"memory"`
	Agent      AgentConfig               `toml:"agent"`
	Gateway    GatewayConfig             `toml:"gateway"`
	Channels   map[string]*ChannelConfig `toml:"channel"`
	DB         DBConfig                  `toml:"db"`
	Log        LogConfig                 `toml:"log"`
	Trace      TraceConfig               `toml:"trace"`
	Users      []UserConfig              `toml:"users"`
}

type LLMConfig struct {
	Provider    string  `toml:"provider"`
	Model       string  `toml:"model"`
	BaseURL     string  `toml:"base_url"`
	APIKey      string  `toml:"api_key"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
}

type MemoryConfig struct {
	RecentLimit    int             `toml:"recent_limit"`
	BufferCapacity int             `toml:"buffer_capacity"`
	TopK           int             `toml:"top_k"`
	FactLimit      int             `toml:"fact_limit"`
	Embedding      EmbeddingConfig `toml:"embedding"`
	Semantic       SemanticConfig  `toml:"semantic"`
	Facts          FactsConfig     `toml:"facts"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	LLM        string `toml:"llm"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	CacheSize  int    `toml:"cache_size"`
}

type SemanticConfig struct {
	Backend  string `toml:"backend"`
	Endpoint string `toml:"endpoint"`
	Path     string `toml:"path"`
	Compress bool   `toml:"compress"`
}

type FactsConfig struct {
	Backend string `toml:"backend"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	DSN     string `toml:"dsn"`
}

type AgentConfig struct {
	CallTimeout      time.Duration `toml:"call_timeout"`
	RetrievalTimeout time.Duration `toml:"retrieval_timeout"`
	Prompts          PromptConfig  `toml:"prompts"`
}

// PromptConfig overrides the built-in rubric templates. Empty keeps the default.
type PromptConfig struct {
	Intent      string `toml:"intent"`
	Query       string `toml:"query"`
	Response    string `toml:"response"`
	Persistence string `toml:"persistence"`
}

type GatewayConfig struct {
	Addr  string `toml:"addr"`
	Token string `toml:"token"`
}

type ChannelConfig struct {
	Enabled  bool              `toml:"enabled"`
	Type     string            `toml:"type"`
	Settings map[string]string `toml:"settings"`
}

type DBConfig struct {
	Path string `toml:"path"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type TraceConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	URLPath  string `toml:"url_path"`
	APIKey   string `toml:"api_key"`
}

// UserConfig is one roster entry. Facts are seeded into the fact store when the
// user's session is initialized.
type UserConfig struct {
	ID    string   `toml:"id"`
	Name  string   `toml:"name"`
	Facts []string `toml:"facts"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultLLM: "openai",
		LLMs: map[string]*LLMConfig{
			"openai": {
				Provider:    ProviderOpenAI,
				Model:       "gpt-4o-mini",
				Temperature: 0.7,
			},
		},
		Memory: MemoryConfig{
			RecentLimit:    5,
			BufferCapacity: 50,
			TopK:           5,
			FactLimit:      10,
			Embedding: EmbeddingConfig{
				Provider:  ProviderOpenAI,
				LLM:       "openai",
				Model:     "text-embedding-ada-002",
				CacheSize: 10000,
			},
			Semantic: SemanticConfig{
				Backend:  SemanticChromem,
				Endpoint: "http://localhost:8000",
				Path:     filepath.Join(dataDir(), "semantic"),
			},
			Facts: FactsConfig{
				Backend: FactsMem0,
				BaseURL: "https://api.mem0.ai",
			},
		},
		Agent: AgentConfig{
			CallTimeout: 30 * time.Second,
		},
		Gateway: GatewayConfig{
			Addr: ":8484",
		},
		DB: DBConfig{
			Path: filepath.Join(dataDir(), "mnemo.db"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Users: []UserConfig{
			{ID: "0", Name: "James"},
			{ID: "1", Name: "Jane"},
			{ID: "2", Name: "Mo"},
		},
	}
}

// Load reads .env, the config file at $MNEMO_CONFIG (or the user config dir)
// and environment overrides, in that order.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, goerr.Wrap(err, "failed to load .env")
		}
	}

	path := os.Getenv("MNEMO_CONFIG")
	if path == "" {
		path = configPath()
	}
	return LoadFile(path)
}

// LoadFile layers the TOML file at path (if it exists) and environment
// overrides over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, goerr.Wrap(err, "failed to decode config", goerr.V("path", path))
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, goerr.Wrap(err, "failed to stat config", goerr.V("path", path))
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	for _, l := range c.LLMs {
		if l.APIKey != "" {
			continue
		}
		switch l.Provider {
		case ProviderOpenAI, "":
			l.APIKey = os.Getenv("OPENAI_API_KEY")
		case ProviderAnthropic:
			l.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	if v := os.Getenv("MEM0_API_KEY"); v != "" && c.Memory.Facts.APIKey == "" {
		c.Memory.Facts.APIKey = v
	}
	if v := os.Getenv("CHROMA_URL"); v != "" {
		c.Memory.Semantic.Endpoint = v
	}
	if v := os.Getenv("MNEMO_POSTGRES_DSN"); v != "" {
		c.Memory.Facts.DSN = v
	}
	if v := os.Getenv("MNEMO_DB_PATH"); v != "" {
		c.DB.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate reports missing credentials and inconsistent backend settings.
func (c *Config) Validate() error {
	llm, ok := c.LLMs[c.DefaultLLM]
	if !ok {
		return goerr.New("default LLM is not configured", goerr.V("name", c.DefaultLLM))
	}
	if err := llm.validate(c.DefaultLLM); err != nil {
		return err
	}

	switch c.Memory.Embedding.Provider {
	case ProviderOpenAI, "":
		emb, ok := c.LLMs[c.Memory.Embedding.LLM]
		if !ok {
			return goerr.New("embedding LLM is not configured", goerr.V("name", c.Memory.Embedding.LLM))
		}
		if emb.Provider != ProviderOpenAI && emb.Provider != "" {
			return goerr.New("embedding LLM must use the openai provider", goerr.V("name", c.Memory.Embedding.LLM))
		}
		if emb.APIKey == "" {
			return goerr.New("embedding service API key is required", goerr.V("name", c.Memory.Embedding.LLM))
		}
	case ProviderHash:
	default:
		return goerr.New("unknown embedding provider", goerr.V("provider", c.Memory.Embedding.Provider))
	}

	switch c.Memory.Semantic.Backend {
	case SemanticChromem:
	case SemanticChroma:
		if c.Memory.Semantic.Endpoint == "" {
			return goerr.New("vector store endpoint is required for the chroma backend")
		}
	default:
		return goerr.New("unknown semantic backend", goerr.V("backend", c.Memory.Semantic.Backend))
	}

	switch c.Memory.Facts.Backend {
	case FactsMem0:
		if c.Memory.Facts.APIKey == "" {
			return goerr.New("fact memory API key is required for the mem0 backend")
		}
	case FactsPostgres:
		if c.Memory.Facts.DSN == "" {
			return goerr.New("postgres DSN is required for the postgres fact backend")
		}
	case FactsSQLite:
	default:
		return goerr.New("unknown fact backend", goerr.V("backend", c.Memory.Facts.Backend))
	}

	seen := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.ID == "" || u.Name == "" {
			return goerr.New("roster entries need an id and a name", goerr.V("user", u))
		}
		if seen[u.ID] {
			return goerr.New("duplicate user id in roster", goerr.V("id", u.ID))
		}
		seen[u.ID] = true
	}

	return nil
}

func (l *LLMConfig) validate(name string) error {
	switch l.Provider {
	case ProviderOpenAI, ProviderAnthropic, "":
	default:
		return goerr.New("unknown LLM provider", goerr.V("name", name), goerr.V("provider", l.Provider))
	}
	if l.APIKey == "" {
		return goerr.New("completion service API key is required", goerr.V("name", name))
	}
	if l.Model == "" {
		return goerr.New("LLM model is required", goerr.V("name", name))
	}
	return nil
}

// User looks up a roster entry by id.
func (c *Config) User(id string) (UserConfig, bool) {
	for _, u := range c.Users {
		if u.ID == id {
			return u, true
		}
	}
	return UserConfig{}, false
}

func configPath() string {
	dir, _ := os.UserConfigDir()
	return filepath.Join(dir, "mnemo", "config.toml")
}

func dataDir() string {
	dir, _ := os.UserHomeDir()
	return filepath.Join(dir, ".local", "share", "mnemo")
}
