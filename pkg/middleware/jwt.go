package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims は認証トークンのクレーム。
type Claims struct {
	jwt.RegisteredClaims
	// NAVident は認証済みの職員の識別子。
	NAVident string `json:"NAVident"`
	// Name は職員の氏名。
	Name string `json:"name,omitempty"`
}

// contextKeyNavIdent はGinコンテキストにNAVidentを格納するキー。
const contextKeyNavIdent = "nav_ident"

// GenerateJWT はNAVidentを持つHS256のトークンを生成する。
// 開発環境とテストでの利用を想定している。
func GenerateJWT(secret, navIdent, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   navIdent,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		NAVident: navIdent,
		Name:     name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにNAVidentを設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	keyFunc := func(_ *jwt.Token) (any, error) { return []byte(secret), nil }

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			AbortWithProblem(c, http.StatusUnauthorized, "Authorizationヘッダーが必要です")
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			AbortWithProblem(c, http.StatusUnauthorized, "Bearer トークン形式が不正です")
			return
		}

		claims := &Claims{}
		token, err := parser.ParseWithClaims(tokenString, claims, keyFunc)
		if err != nil || !token.Valid {
			AbortWithProblem(c, http.StatusUnauthorized, "トークンが無効です")
			return
		}
		if claims.NAVident == "" {
			AbortWithProblem(c, http.StatusForbidden, "トークンにNAVidentがありません")
			return
		}

		c.Set(contextKeyNavIdent, claims.NAVident)
		c.Next()
	}
}

// GetNavIdent はGinコンテキストからNAVidentを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetNavIdent(c *gin.Context) string {
	v, _ := c.Get(contextKeyNavIdent)
	if id, ok := v.(string); ok {
		return id
	}
	return ""
}
