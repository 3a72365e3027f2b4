package identity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"parley/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JWTProvider validates HMAC-signed bearer tokens.
type JWTProvider struct {
	secret   []byte
	issuer   string
	audience string
	users    UserDirectory
	rdb      *redis.Client
}

// NewJWTProvider builds a provider. users and rdb may be nil.
func NewJWTProvider(secret, issuer, audience string, users UserDirectory, rdb *redis.Client) *JWTProvider {
	return &JWTProvider{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		users:    users,
		rdb:      rdb,
	}
}

// Resolve implements Provider.
func (p *JWTProvider) Resolve(ctx context.Context, credential string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(_ *jwt.Token) (any, error) {
		return p.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Identity{}, models.NewUnauthorizedError("Invalid or expired token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, models.NewUnauthorizedError("Invalid subject claim")
	}
	userID, err := strconv.ParseUint(sub, 10, 32)
	if err != nil || userID == 0 {
		return Identity{}, models.NewUnauthorizedError("Invalid user ID in token")
	}

	if jti, ok := claims["jti"].(string); ok && jti != "" && p.rdb != nil {
		n, err := p.rdb.Exists(ctx, "blacklist:"+jti).Result()
		if err == nil && n > 0 {
			return Identity{}, models.NewUnauthorizedError("Token has been revoked")
		}
	}

	return requireActive(ctx, p.users, uint(userID))
}

// Issue signs a token for userID valid for ttl.
func (p *JWTProvider) Issue(userID uint, ttl time.Duration) (string, error) {
	if len(p.secret) == 0 {
		return "", fmt.Errorf("JWT secret not configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(userID), 10),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"jti": uuid.NewString(),
	}
	if p.issuer != "" {
		claims["iss"] = p.issuer
	}
	if p.audience != "" {
		claims["aud"] = p.audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// Revoke blacklists the token's jti until it would have expired.
func (p *JWTProvider) Revoke(ctx context.Context, credential string) error {
	if p.rdb == nil {
		return fmt.Errorf("revocation requires redis")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(credential, claims, func(_ *jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return models.NewUnauthorizedError("Invalid token")
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return models.NewValidationError("token has no jti")
	}
	ttl := time.Hour
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		ttl = time.Until(exp.Time)
	}
	if ttl <= 0 {
		return nil
	}
	return p.rdb.Set(ctx, "blacklist:"+jti, 1, ttl).Err()
}
