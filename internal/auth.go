package internal

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/koopa0/system-design/14-race-room/pkg/errors"
)

// ErrInvalidToken 憑證缺失或驗證失敗
var ErrInvalidToken = apperrors.New(apperrors.ErrCodeUnauthorized, "invalid or missing token")

// Identity 由憑證驗證得出的身份
//
// 連接建立後不可變；IsAdmin 由設定的管理員帳號比對得出，
// 不讀取憑證中的任何角色欄位。
type Identity struct {
	Username string `json:"username"`
	UserID   string `json:"userId"`
	IsAdmin  bool   `json:"isAdmin"`
}

// Claims JWT 聲明
type Claims struct {
	Username string `json:"username"`
	UserID   string `json:"userId"`
	jwt.RegisteredClaims
}

// Authenticator 驗證 HS256 憑證
type Authenticator struct {
	secret        []byte
	adminUsername string
	now           func() time.Time
}

// NewAuthenticator 創建驗證器
func NewAuthenticator(secret, adminUsername string) *Authenticator {
	return &Authenticator{
		secret:        []byte(secret),
		adminUsername: adminUsername,
		now:           time.Now,
	}
}

// Verify 驗證簽章與有效期並取出身份
func (a *Authenticator) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return Identity{}, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "invalid or missing token")
	}
	if claims.Username == "" {
		return Identity{}, ErrInvalidToken.WithDetails("username claim is required")
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}

	return Identity{
		Username: claims.Username,
		UserID:   userID,
		IsAdmin:  a.adminUsername != "" && claims.Username == a.adminUsername,
	}, nil
}

// Issue 簽發憑證（開發工具與測試使用）
func (a *Authenticator) Issue(username, userID string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Username: username,
		UserID:   userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// TokenFromRequest 依序從 Authorization 標頭與 token 查詢參數取得憑證
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
