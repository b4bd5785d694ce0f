package middleware

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/beego/beego/v2/server/web"
	"github.com/beego/beego/v2/server/web/context"
	"github.com/golang-jwt/jwt/v5"
)

// AdminIssuer 管理令牌的签发者
const AdminIssuer = "rag-go"

// BearerAuth 校验 Authorization: Bearer <token>。
// 接受以 token 为密钥签发的 HS256 JWT，也接受与 token 完全相同的静态令牌；
// token 为空时只要求携带非空令牌；methods 非空时只拦截这些方法
func BearerAuth(token string, methods ...string) web.FilterFunc {
	guarded := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		guarded[strings.ToUpper(m)] = struct{}{}
	}
	secret := []byte(token)

	return func(ctx *context.Context) {
		if len(guarded) > 0 {
			if _, ok := guarded[ctx.Input.Method()]; !ok {
				return
			}
		}

		provided, ok := strings.CutPrefix(ctx.Input.Header("Authorization"), "Bearer ")
		provided = strings.TrimSpace(provided)
		if ok && provided != "" && authorized(provided, secret) {
			return
		}

		appErr := apperrors.NewUnauthorizedError()
		ctx.Output.Header("WWW-Authenticate", "Bearer")
		ctx.Output.SetStatus(appErr.HTTPCode)
		_ = ctx.Output.JSON(apperrors.Response(appErr), false, false)
	}
}

func authorized(provided string, secret []byte) bool {
	if len(secret) == 0 {
		return true
	}
	if _, err := ValidateAdminToken(provided, secret); err == nil {
		return true
	}
	// 静态令牌
	return subtle.ConstantTimeCompare([]byte(provided), secret) == 1
}

// IssueAdminToken 用 ADMIN_TOKEN 签发 HS256 管理令牌
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("admin secret is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    AdminIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateAdminToken 验证管理令牌的签名、签发者和有效期
func ValidateAdminToken(raw string, secret []byte) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		// 验证签名方法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(AdminIssuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
