// =============================================================================
// VoiceFlow 主入口
// =============================================================================
// 语音代理 worker，包含调试 API、WebSocket 房间桥接与 Prometheus 指标
//
// 使用方法:
//
//	voiceflow serve                         # 启动 worker
//	voiceflow serve --config config.yaml    # 指定配置文件
//	voiceflow room create                   # 通过 VideoSDK REST 建房
//	voiceflow room validate <roomId>        # 校验房间
//	voiceflow token --room abc --ttl 1h     # 签发房间令牌
//	voiceflow version                       # 显示版本信息
//	voiceflow health                        # 健康检查
// =============================================================================

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/voiceflow/config"
	"github.com/BaSui01/voiceflow/room"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run 分发子命令并返回退出码
func run(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "serve":
		return runServe(args[1:], stderr)
	case "room":
		return runRoom(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "version":
		printVersion(stdout)
		return 0
	case "health":
		return runHealthCheck(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting VoiceFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	server := NewServer(cfg, logger)
	if err := server.Start(); err != nil {
		logger.Error("Failed to start server", zap.Error(err))
		server.Shutdown()
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		logger.Error("Worker stopped with error", zap.Error(err))
		return 1
	}
	logger.Info("VoiceFlow stopped")
	return 0
}

// =============================================================================
// 🏠 room / token 命令
// =============================================================================

func runRoom(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: voiceflow room <create|validate> [options]")
		return 2
	}
	fs := flag.NewFlagSet("room", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	client, err := newRoomClient(cfg.VideoSDK, zap.NewNop())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "create":
		id, err := client.CreateRoom(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "Create room failed: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, id)
		if cfg.VideoSDK.Playground {
			fmt.Fprintln(stdout, room.PlaygroundURL(client.AuthToken(), id))
		}
		return 0
	case "validate":
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "Usage: voiceflow room validate <roomId>")
			return 2
		}
		info, err := client.ValidateRoom(ctx, fs.Arg(0))
		if err != nil {
			fmt.Fprintf(stderr, "Validate room failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "%s disabled=%t\n", info.RoomID, info.Disabled)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown room command: %s\n", args[0])
		return 2
	}
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	ttl := fs.Duration("ttl", 0, "Token lifetime (default videosdk.token_ttl)")
	roomID := fs.String("room", "", "Restrict the token to a room")
	participant := fs.String("participant", "", "Restrict the token to a participant")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *ttl <= 0 {
		*ttl = cfg.VideoSDK.TokenTTL
	}
	token, err := room.GenerateToken(cfg.VideoSDK.APIKey, cfg.VideoSDK.SecretKey, room.TokenOptions{
		RoomID:        *roomID,
		ParticipantID: *participant,
		TTL:           *ttl,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Generate token failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

// resolveAuthToken 优先使用配置的令牌，否则用 api_key/secret_key 签发
func resolveAuthToken(cfg config.VideoSDKConfig) (string, error) {
	if cfg.AuthToken != "" {
		return cfg.AuthToken, nil
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return "", nil
	}
	return room.GenerateToken(cfg.APIKey, cfg.SecretKey, room.TokenOptions{TTL: cfg.TokenTTL})
}

func newRoomClient(cfg config.VideoSDKConfig, logger *zap.Logger) (*room.Client, error) {
	token, err := resolveAuthToken(cfg)
	if err != nil {
		return nil, fmt.Errorf("videosdk token: %w", err)
	}
	return room.NewClient(room.ClientConfig{
		BaseURL:           cfg.BaseURL,
		AuthToken:         token,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxRetry:          cfg.MaxRetry,
	}, logger), nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8081", "Debug server address")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(stdout, "OK")
	return 0
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "VoiceFlow %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `VoiceFlow - real-time voice agent worker

Usage:
  voiceflow <command> [options]

Commands:
  serve     Start the agent worker
  room      VideoSDK room helpers (create, validate)
  token     Print a VideoSDK JWT
  version   Show version information
  health    Check worker health
  help      Show this help message

Options for 'serve', 'room' and 'token':
  --config <path>   Path to configuration file (YAML)

Options for 'token':
  --ttl <duration>        Token lifetime
  --room <id>             Restrict to a room
  --participant <id>      Restrict to a participant

Examples:
  voiceflow serve --config /etc/voiceflow/config.yaml
  voiceflow room create
  voiceflow room validate abcd-efgh-ijkl
  voiceflow token --room abcd-efgh-ijkl --ttl 2h
  voiceflow health --addr http://localhost:8081
  voiceflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		Encoding:          "json",
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// isShutdownErr 关闭流程中可忽略的错误
func isShutdownErr(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed)
}
