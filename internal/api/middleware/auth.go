package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"pumptrader/pkg/crypto"
	"pumptrader/pkg/utils"
)

// TokenAuth - проверка Bearer токена admin API по bcrypt хешу из конфигурации.
//
// bcrypt медленный, поэтому дайджест последнего принятого токена
// запоминается, и повторные запросы сравниваются за constant time.
type TokenAuth struct {
	hash   string
	logger *utils.Logger

	mu       sync.RWMutex
	accepted [sha256.Size]byte
	cached   bool
}

// NewTokenAuth создает проверку. Пустой hash - admin API выключен.
func NewTokenAuth(hash string, logger *utils.Logger) *TokenAuth {
	return &TokenAuth{
		hash:   hash,
		logger: utils.OrGlobal(logger).WithComponent("api_auth"),
	}
}

// Enabled - токен настроен
func (a *TokenAuth) Enabled() bool {
	return a.hash != ""
}

// Middleware возвращает 403, если токен не настроен, и 401 при неверном токене
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			writeError(w, http.StatusForbidden, "admin API disabled: ADMIN_TOKEN_HASH is not set")
			return
		}

		token, ok := bearerToken(r)
		if !ok || !a.check(token) {
			a.logger.Warn("unauthorized request",
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr))
			w.Header().Set("WWW-Authenticate", `Bearer realm="pumptrader"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *TokenAuth) check(token string) bool {
	digest := sha256.Sum256([]byte(token))

	a.mu.RLock()
	hit := a.cached && subtle.ConstantTimeCompare(digest[:], a.accepted[:]) == 1
	a.mu.RUnlock()
	if hit {
		return true
	}

	if err := crypto.VerifyToken(token, a.hash); err != nil {
		return false
	}

	a.mu.Lock()
	a.accepted = digest
	a.cached = true
	a.mu.Unlock()
	return true
}

// bearerToken берет токен из Authorization, а без заголовка - из ?token=
// (браузерный WebSocket не умеет ставить заголовки)
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		token := r.URL.Query().Get("token")
		return token, token != ""
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
