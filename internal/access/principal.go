package access

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// Anonymous 是无法识别身份时使用的主体。
const Anonymous = "anonymous"

// PrincipalResolver 从请求头解析调用方身份。
// 配置了密钥时只信任 HS256 Bearer token 的 sub；否则读取受信任的代理头。
type PrincipalResolver struct {
	secret []byte
	header string
	logger *logrus.Logger
}

// NewPrincipalResolver 创建解析器；secret 与 header 都为空时一律返回 Anonymous。
func NewPrincipalResolver(secret, header string, logger *logrus.Logger) *PrincipalResolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &PrincipalResolver{header: strings.TrimSpace(header), logger: logger}
	if secret != "" {
		r.secret = []byte(secret)
	}
	return r
}

// Resolve 通过 get 读取请求头（如 fiber.Ctx.Get）。
func (r *PrincipalResolver) Resolve(get func(key string) string) string {
	if r == nil || get == nil {
		return Anonymous
	}
	if len(r.secret) > 0 {
		if sub := r.fromBearer(get("Authorization")); sub != "" {
			return sub
		}
		return Anonymous
	}
	if r.header != "" {
		if v := strings.TrimSpace(get(r.header)); v != "" {
			return v
		}
	}
	return Anonymous
}

func (r *PrincipalResolver) fromBearer(authorization string) string {
	const prefix = "bearer "
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return ""
	}
	raw := strings.TrimSpace(authorization[len(prefix):])
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		r.logger.WithFields(logrus.Fields{"action": "principal_token_rejected", "error": err.Error()}).Debug("principal_token_rejected")
		return ""
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return ""
	}
	return strings.TrimSpace(claims.Subject)
}
