package room

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 令牌权限
const (
	PermissionAllowJoin = "allow_join"
	PermissionAskJoin   = "ask_join"
	PermissionAllowMod  = "allow_mod"
)

// TokenOptions 令牌可选声明
type TokenOptions struct {
	// 为空时 ["allow_join"]
	Permissions   []string
	RoomID        string
	ParticipantID string
	// crawler / rtc
	Roles []string
	// 有效期，<=0 时 24 小时
	TTL time.Duration
	Now func() time.Time
}

// GenerateToken 用 API key 与 secret 签发 HS256 加入令牌
func GenerateToken(apiKey, secret string, opts TokenOptions) (string, error) {
	if apiKey == "" || secret == "" {
		return "", ErrMissingCredentials
	}
	if len(opts.Permissions) == 0 {
		opts.Permissions = []string{PermissionAllowJoin}
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	iat := now()

	claims := jwt.MapClaims{
		"apikey":      apiKey,
		"permissions": opts.Permissions,
		"version":     2,
		"iat":         iat.Unix(),
		"exp":         iat.Add(opts.TTL).Unix(),
	}
	if opts.RoomID != "" {
		claims["roomId"] = opts.RoomID
	}
	if opts.ParticipantID != "" {
		claims["participantId"] = opts.ParticipantID
	}
	if len(opts.Roles) > 0 {
		claims["roles"] = opts.Roles
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken 校验签名与有效期，返回声明
func VerifyToken(token, secret string) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuedAt())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
