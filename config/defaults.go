// =============================================================================
// 📦 VoiceFlow 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Agent:     DefaultAgentConfig(),
		VideoSDK:  DefaultVideoSDKConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		DebugPort:       8081,
		MetricsPort:     9091,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
	}
}

// DefaultAgentConfig 返回默认代理配置
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ID:                  "VideoSDKAgent",
		Name:                "Agent",
		Instructions:        "You are a helpful voice assistant. Keep your answers short and conversational.",
		EnableInterruptions: true,
		MaxToolRounds:       5,
	}
}

// DefaultVideoSDKConfig 返回默认房间配置
func DefaultVideoSDKConfig() VideoSDKConfig {
	return VideoSDKConfig{
		BaseURL:           "https://api.videosdk.live",
		Playground:        true,
		AutoEndSession:    true,
		SessionTimeout:    5 * time.Second,
		MaxRetry:          16,
		TokenTTL:          24 * time.Hour,
		RequestsPerSecond: 5,
	}
}

// DefaultPipelineConfig 返回默认管线配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Mode: "cascading",
		STT: STTConfig{
			Provider:      "deepgram",
			Model:         "nova-2",
			Language:      "en-US",
			EndpointingMS: 50,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			BaseURL:     "https://api.openai.com",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   1024,
			Timeout:     60 * time.Second,
		},
		TTS: TTSConfig{
			Provider:   "elevenlabs",
			Model:      "eleven_flash_v2_5",
			Voice:      "21m00Tcm4TlvDq8ikWAM",
			SampleRate: 24000,
		},
		Realtime: RealtimeConfig{
			Provider:    "openai",
			URL:         "wss://api.openai.com/v1/realtime",
			Model:       "gpt-4o-realtime-preview",
			Voice:       "alloy",
			Temperature: 0.8,
		},
		VAD: VADConfig{
			Enabled:            true,
			Threshold:          0.02,
			MinSpeechDuration:  100 * time.Millisecond,
			MinSilenceDuration: 500 * time.Millisecond,
		},
		Turn: TurnConfig{
			Enabled:     true,
			Threshold:   0.7,
			WaitTimeout: 800 * time.Millisecond,
		},
		InputSampleRate: 48000,
		InputChannels:   1,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置（Addr 为空，不启用）
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		KeyPrefix: "voiceflow:",
		PoolSize:  10,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置（Driver 为空，不持久化）
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "voiceflow",
		Name:            "voiceflow",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		ServiceName:  "voiceflow",
		SampleRate:   0.1,
	}
}
