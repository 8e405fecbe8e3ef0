// =============================================================================
// 📦 VoiceFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("voiceflow.yaml").
//	    WithEnvPrefix("VOICEFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 兼容环境变量 → 带前缀环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 VoiceFlow 的完整配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Agent     AgentConfig     `yaml:"agent" env:"AGENT"`
	VideoSDK  VideoSDKConfig  `yaml:"videosdk" env:"VIDEOSDK"`
	Pipeline  PipelineConfig  `yaml:"pipeline" env:"PIPELINE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 调试 API 与 metrics 监听配置
type ServerConfig struct {
	// 调试 API 端口（/health、/api/v1/*、/ws/{roomId}），0 表示关闭
	DebugPort       int           `yaml:"debug_port" env:"DEBUG_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 调试 API 的 X-API-Key，空时不鉴权；/ws 由桥接令牌单独鉴权
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// CORS 与 WebSocket 允许的来源
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	// 每 IP 限流，<=0 关闭
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// AgentConfig 代理配置
type AgentConfig struct {
	ID           string `yaml:"id" env:"ID"`
	Name         string `yaml:"name" env:"NAME"`
	Instructions string `yaml:"instructions" env:"INSTRUCTIONS"`
	// 会话开始后的问候语，空则不说
	Greeting string `yaml:"greeting" env:"GREETING"`
	// 无语音 N 秒后触发 wake-up 回调，0 关闭
	WakeUpSeconds       int  `yaml:"wake_up_seconds" env:"WAKE_UP_SECONDS"`
	EnableInterruptions bool `yaml:"enable_interruptions" env:"ENABLE_INTERRUPTIONS"`
	MaxToolRounds       int  `yaml:"max_tool_rounds" env:"MAX_TOOL_ROUNDS"`
	// A2A 注册信息
	Domain       string   `yaml:"domain" env:"DOMAIN"`
	Capabilities []string `yaml:"capabilities" env:"CAPABILITIES"`
	// MCP 服务器只能从 YAML 配置
	MCPServers []MCPServerConfig `yaml:"mcp_servers" env:"-"`
}

// MCPServerConfig MCP 服务器配置，Command 与 URL 二选一
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// VideoSDKConfig 房间与 REST API 配置
type VideoSDKConfig struct {
	AuthToken          string        `yaml:"auth_token" env:"AUTH_TOKEN"`
	APIKey             string        `yaml:"api_key" env:"API_KEY"`
	SecretKey          string        `yaml:"secret_key" env:"SECRET_KEY"`
	BaseURL            string        `yaml:"base_url" env:"BASE_URL"`
	RoomID             string        `yaml:"room_id" env:"ROOM_ID"`
	AgentParticipantID string        `yaml:"agent_participant_id" env:"AGENT_PARTICIPANT_ID"`
	Playground         bool          `yaml:"playground" env:"PLAYGROUND"`
	AutoEndSession     bool          `yaml:"auto_end_session" env:"AUTO_END_SESSION"`
	SessionTimeout     time.Duration `yaml:"session_timeout" env:"SESSION_TIMEOUT"`
	Recording          bool          `yaml:"recording" env:"RECORDING"`
	MaxRetry           int           `yaml:"max_retry" env:"MAX_RETRY"`
	TokenTTL           time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	RequestsPerSecond  float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	// 等待首个参会者加入后再开始会话
	WaitForParticipant bool `yaml:"wait_for_participant" env:"WAIT_FOR_PARTICIPANT"`
}

// PipelineConfig 语音管线配置
type PipelineConfig struct {
	// cascading 或 realtime
	Mode     string         `yaml:"mode" env:"MODE"`
	STT      STTConfig      `yaml:"stt" env:"STT"`
	LLM      LLMConfig      `yaml:"llm" env:"LLM"`
	TTS      TTSConfig      `yaml:"tts" env:"TTS"`
	Realtime RealtimeConfig `yaml:"realtime" env:"REALTIME"`
	VAD      VADConfig      `yaml:"vad" env:"VAD"`
	Turn     TurnConfig     `yaml:"turn" env:"TURN"`
	// 输入音频格式（桥接端推送的 PCM16）
	InputSampleRate int `yaml:"input_sample_rate" env:"INPUT_SAMPLE_RATE"`
	InputChannels   int `yaml:"input_channels" env:"INPUT_CHANNELS"`
	// 送入 LLM 前保留的最大上下文条目数，0 不截断
	MaxContextItems int `yaml:"max_context_items" env:"MAX_CONTEXT_ITEMS"`
	// 上下文 token 预算，0 不限制
	MaxContextTokens int `yaml:"max_context_tokens" env:"MAX_CONTEXT_TOKENS"`
}

// STTConfig 语音识别配置
type STTConfig struct {
	// deepgram 或 openai
	Provider string `yaml:"provider" env:"PROVIDER"`
	APIKey   string `yaml:"api_key" env:"API_KEY"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL"`
	Model    string `yaml:"model" env:"MODEL"`
	Language string `yaml:"language" env:"LANGUAGE"`
	// Deepgram endpointing 毫秒
	EndpointingMS int `yaml:"endpointing_ms" env:"ENDPOINTING_MS"`
}

// LLMConfig 大语言模型配置（OpenAI 兼容接口）
type LLMConfig struct {
	Provider    string        `yaml:"provider" env:"PROVIDER"`
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
	BaseURL     string        `yaml:"base_url" env:"BASE_URL"`
	Model       string        `yaml:"model" env:"MODEL"`
	Temperature float64       `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens   int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// TTSConfig 语音合成配置
type TTSConfig struct {
	// elevenlabs 或 openai
	Provider   string `yaml:"provider" env:"PROVIDER"`
	APIKey     string `yaml:"api_key" env:"API_KEY"`
	BaseURL    string `yaml:"base_url" env:"BASE_URL"`
	Model      string `yaml:"model" env:"MODEL"`
	Voice      string `yaml:"voice" env:"VOICE"`
	SampleRate int    `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// RealtimeConfig 实时多模态模型配置
type RealtimeConfig struct {
	Provider string `yaml:"provider" env:"PROVIDER"`
	APIKey   string `yaml:"api_key" env:"API_KEY"`
	URL      string `yaml:"url" env:"URL"`
	Model    string `yaml:"model" env:"MODEL"`
	Voice    string `yaml:"voice" env:"VOICE"`
	// 输入转写模型，空则不转写用户语音
	TranscriptionModel string  `yaml:"transcription_model" env:"TRANSCRIPTION_MODEL"`
	Temperature        float64 `yaml:"temperature" env:"TEMPERATURE"`
}

// VADConfig 能量 VAD 配置
type VADConfig struct {
	Enabled            bool          `yaml:"enabled" env:"ENABLED"`
	Threshold          float64       `yaml:"threshold" env:"THRESHOLD"`
	MinSpeechDuration  time.Duration `yaml:"min_speech_duration" env:"MIN_SPEECH_DURATION"`
	MinSilenceDuration time.Duration `yaml:"min_silence_duration" env:"MIN_SILENCE_DURATION"`
}

// TurnConfig 轮次检测配置
type TurnConfig struct {
	Enabled     bool          `yaml:"enabled" env:"ENABLED"`
	Threshold   float64       `yaml:"threshold" env:"THRESHOLD"`
	WaitTimeout time.Duration `yaml:"wait_timeout" env:"WAIT_TIMEOUT"`
}

// RedisConfig A2A 目录使用的 Redis 配置，Addr 为空时只用进程内注册表
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
}

// DatabaseConfig 转写存储配置，Driver 为空时不持久化
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite, sqlite3
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure     bool    `yaml:"insecure" env:"INSECURE"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	AgentID      string  `yaml:"-" env:"-"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "VOICEFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	applyLegacyEnv(cfg)

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.Telemetry.AgentID = cfg.Agent.ID

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// legacyEnv 不带前缀的供应商密钥变量，带前缀的变量优先
var legacyEnv = []struct {
	name  string
	apply func(c *Config, v string)
}{
	{"VIDEOSDK_AUTH_TOKEN", func(c *Config, v string) { c.VideoSDK.AuthToken = v }},
	{"VIDEOSDK_API_KEY", func(c *Config, v string) { c.VideoSDK.APIKey = v }},
	{"VIDEOSDK_SECRET_KEY", func(c *Config, v string) { c.VideoSDK.SecretKey = v }},
	{"OPENAI_API_KEY", func(c *Config, v string) {
		if c.Pipeline.LLM.APIKey == "" {
			c.Pipeline.LLM.APIKey = v
		}
		if c.Pipeline.Realtime.APIKey == "" {
			c.Pipeline.Realtime.APIKey = v
		}
		if c.Pipeline.STT.Provider == "openai" && c.Pipeline.STT.APIKey == "" {
			c.Pipeline.STT.APIKey = v
		}
		if c.Pipeline.TTS.Provider == "openai" && c.Pipeline.TTS.APIKey == "" {
			c.Pipeline.TTS.APIKey = v
		}
	}},
	{"DEEPGRAM_API_KEY", func(c *Config, v string) {
		if c.Pipeline.STT.Provider == "deepgram" && c.Pipeline.STT.APIKey == "" {
			c.Pipeline.STT.APIKey = v
		}
	}},
	{"ELEVENLABS_API_KEY", func(c *Config, v string) {
		if c.Pipeline.TTS.Provider == "elevenlabs" && c.Pipeline.TTS.APIKey == "" {
			c.Pipeline.TTS.APIKey = v
		}
	}},
}

func applyLegacyEnv(cfg *Config) {
	for _, e := range legacyEnv {
		if v := os.Getenv(e.name); v != "" {
			e.apply(cfg, v)
		}
	}
}

// setFieldsFromEnv 递归设置结构体字段，变量名为 PREFIX_SECTION_FIELD
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置，所有问题以 "; " 拼接
func (c *Config) Validate() error {
	var errs []string

	if c.Server.DebugPort < 0 || c.Server.DebugPort > 65535 {
		errs = append(errs, "invalid debug port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Agent.MaxToolRounds <= 0 {
		errs = append(errs, "agent.max_tool_rounds must be positive")
	}
	if c.Agent.WakeUpSeconds < 0 {
		errs = append(errs, "agent.wake_up_seconds must not be negative")
	}

	switch c.Pipeline.Mode {
	case "cascading":
		if c.Pipeline.LLM.Model == "" {
			errs = append(errs, "pipeline.llm.model is required")
		}
		if t := c.Pipeline.LLM.Temperature; t < 0 || t > 2 {
			errs = append(errs, "pipeline.llm.temperature must be between 0 and 2")
		}
		switch c.Pipeline.STT.Provider {
		case "", "none", "deepgram", "openai":
		default:
			errs = append(errs, fmt.Sprintf("unsupported stt provider %q", c.Pipeline.STT.Provider))
		}
		switch c.Pipeline.TTS.Provider {
		case "", "none", "elevenlabs", "openai":
		default:
			errs = append(errs, fmt.Sprintf("unsupported tts provider %q", c.Pipeline.TTS.Provider))
		}
	case "realtime":
		if c.Pipeline.Realtime.Provider != "openai" {
			errs = append(errs, fmt.Sprintf("unsupported realtime provider %q", c.Pipeline.Realtime.Provider))
		}
	default:
		errs = append(errs, fmt.Sprintf("pipeline.mode must be cascading or realtime, got %q", c.Pipeline.Mode))
	}

	if th := c.Pipeline.VAD.Threshold; th <= 0 || th >= 1 {
		errs = append(errs, "pipeline.vad.threshold must be in (0, 1)")
	}
	if th := c.Pipeline.Turn.Threshold; th < 0 || th > 1 {
		errs = append(errs, "pipeline.turn.threshold must be in [0, 1]")
	}
	if c.VideoSDK.SessionTimeout < 0 {
		errs = append(errs, "videosdk.session_timeout must not be negative")
	}

	switch c.Database.Driver {
	case "", "postgres", "mysql", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite", "sqlite3":
		return d.Name
	default:
		return ""
	}
}
