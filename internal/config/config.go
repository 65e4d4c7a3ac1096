package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/liar-game-backend/internal/completion"
)

const EnvPrefix = "LIARGAME"

const ReleaseVersion = "0.1.0"

type Config struct {
	Bind    string
	Port    int
	Verbose bool

	AIPlayers int
	DecoyWord bool

	CompletionBackend     string
	CompletionModel       string
	CompletionTimeout     time.Duration
	CompletionMaxInFlight int64
	CompletionTemperature float32
	OpenAIAPIKey          string
	GeminiAPIKey          string

	RedisAddr          string
	RedisChannelPrefix string
	ArchiveDSN         string

	SessionTimeout time.Duration
	RateLimit      float64
	RateBurst      int

	WSMessageRate  float64
	WSMessageBurst int
	WSPingInterval time.Duration
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if c.AIPlayers < 1 {
		return fmt.Errorf("invalid ai-players (must be at least 1): %d", c.AIPlayers)
	}
	switch c.CompletionBackend {
	case completion.BackendScripted:
	case completion.BackendOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("--openai-api-key is required for the openai backend")
		}
	case completion.BackendGemini:
		if c.GeminiAPIKey == "" {
			return errors.New("--gemini-api-key is required for the gemini backend")
		}
	default:
		return fmt.Errorf("unknown completion backend %q (want openai, gemini or scripted)", c.CompletionBackend)
	}
	if c.CompletionTimeout <= 0 {
		return fmt.Errorf("invalid completion-timeout: %s", c.CompletionTimeout)
	}
	if c.CompletionMaxInFlight < 0 {
		return fmt.Errorf("invalid completion-max-inflight: %d", c.CompletionMaxInFlight)
	}
	if c.CompletionTemperature < 0 || c.CompletionTemperature > 2 {
		return fmt.Errorf("invalid completion-temperature (must be between 0-2 inclusive): %v", c.CompletionTemperature)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("invalid rate-limit: %v", c.RateLimit)
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		return errors.New("--rate-burst must be at least 1 when --rate-limit is set")
	}
	if c.WSMessageRate < 0 {
		return fmt.Errorf("invalid ws-message-rate: %v", c.WSMessageRate)
	}
	if c.WSMessageRate > 0 && c.WSMessageBurst < 1 {
		return errors.New("--ws-message-burst must be at least 1 when --ws-message-rate is set")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("invalid ws-ping-interval: %s", c.WSPingInterval)
	}
	return nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

func (c *Config) Completion() *completion.Config {
	temperature := c.CompletionTemperature
	cc := &completion.Config{Backend: c.CompletionBackend, Model: c.CompletionModel, Temperature: &temperature}
	switch c.CompletionBackend {
	case completion.BackendOpenAI:
		cc.APIKey = c.OpenAIAPIKey
	case completion.BackendGemini:
		cc.APIKey = c.GeminiAPIKey
	}
	return cc
}

func (c *Config) PostLimit() rate.Limit {
	return rate.Limit(c.RateLimit)
}

func (c *Config) MessageLimit() rate.Limit {
	return rate.Limit(c.WSMessageRate)
}

// NewCommand builds the root command. Flags fall back to LIARGAME_* env
// vars; the two api keys also accept their usual unprefixed names.
func NewCommand(cfg *Config, run func(cmd *cobra.Command, cfg *Config) error) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:     "liar-game-server",
		Short:   "Backend for the liar word game: one human, a few AI players, one impostor.",
		Args:    cobra.ExactArgs(0),
		Version: ReleaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: LIARGAME_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", 8080, "port to listen on (env: LIARGAME_PORT)")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "development logging (env: LIARGAME_VERBOSE)")
	fs.IntVar(&cfg.AIPlayers, "ai-players", 4, "AI players per room, capped by the persona list (env: LIARGAME_AI_PLAYERS)")
	fs.BoolVar(&cfg.DecoyWord, "decoy-word", false, "give the impostor a different word from the same topic instead of \"?\" (env: LIARGAME_DECOY_WORD)")
	fs.StringVar(&cfg.CompletionBackend, "completion-backend", completion.BackendScripted, "openai, gemini or scripted (env: LIARGAME_COMPLETION_BACKEND)")
	fs.StringVar(&cfg.CompletionModel, "completion-model", "", "model name, backend default when empty (env: LIARGAME_COMPLETION_MODEL)")
	fs.DurationVar(&cfg.CompletionTimeout, "completion-timeout", 20*time.Second, "deadline for a single AI answer (env: LIARGAME_COMPLETION_TIMEOUT)")
	fs.Int64Var(&cfg.CompletionMaxInFlight, "completion-max-inflight", 16, "completion calls allowed at once across all rooms, 0 for no cap (env: LIARGAME_COMPLETION_MAX_INFLIGHT)")
	fs.Float32Var(&cfg.CompletionTemperature, "completion-temperature", 0.7, "sampling temperature for AI answers, 0-2 (env: LIARGAME_COMPLETION_TEMPERATURE)")
	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "OpenAI api key (env: LIARGAME_OPENAI_API_KEY or OPENAI_API_KEY)")
	fs.StringVar(&cfg.GeminiAPIKey, "gemini-api-key", "", "Gemini api key (env: LIARGAME_GEMINI_API_KEY or GEMINI_API_KEY)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "publish room events to this redis server (env: LIARGAME_REDIS_ADDR)")
	fs.StringVar(&cfg.RedisChannelPrefix, "redis-channel-prefix", "liargame", "redis channel prefix (env: LIARGAME_REDIS_CHANNEL_PREFIX)")
	fs.StringVar(&cfg.ArchiveDSN, "archive-dsn", "", "postgres dsn for the finished-game log (env: LIARGAME_ARCHIVE_DSN)")
	fs.DurationVar(&cfg.SessionTimeout, "session-timeout", 60*time.Minute, "time before idle rooms are closed, 0 to disable (env: LIARGAME_SESSION_TIMEOUT)")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", 1, "chat messages per second per player, 0 to disable (env: LIARGAME_RATE_LIMIT)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", 3, "chat burst per player (env: LIARGAME_RATE_BURST)")
	fs.Float64Var(&cfg.WSMessageRate, "ws-message-rate", 10, "inbound websocket messages per second per connection, 0 to disable (env: LIARGAME_WS_MESSAGE_RATE)")
	fs.IntVar(&cfg.WSMessageBurst, "ws-message-burst", 20, "inbound websocket burst per connection (env: LIARGAME_WS_MESSAGE_BURST)")
	fs.DurationVar(&cfg.WSPingInterval, "ws-ping-interval", 30*time.Second, "websocket keepalive ping interval (env: LIARGAME_WS_PING_INTERVAL)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		switch f.Name {
		case "openai-api-key":
			_ = v.BindEnv(f.Name, "LIARGAME_OPENAI_API_KEY", "OPENAI_API_KEY")
		case "gemini-api-key":
			_ = v.BindEnv(f.Name, "LIARGAME_GEMINI_API_KEY", "GEMINI_API_KEY")
		default:
			_ = v.BindEnv(f.Name)
		}
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("liar-game-server v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
