package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"clipdeck/core/auth"
	"clipdeck/core/storeclient"
	"clipdeck/logger"
)

type contextKey string

const claimsKey contextKey = "claims"

// corsMiddleware 允许编辑器页面跨域访问
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware 校验 bearer token。浏览器的 WebSocket 不能带请求头，也接受 ?token=
func (s *Server) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("token")
		if header := r.Header.Get("Authorization"); header != "" {
			parts := strings.Split(header, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "Invalid authorization header format", "")
				return
			}
			raw = parts[1]
		}
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header is required", "")
			return
		}

		claims, err := s.issuer.ParseToken(raw)
		if err != nil {
			logger.Debug("token rejected", logger.ErrorField(err))
			writeError(w, http.StatusUnauthorized, "Invalid token", "")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// ClaimsFromContext 取出中间件写入的 token 载荷
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.Claims)
	return c, ok
}

// allowedProject 项目范围的 token 只能访问自己的项目
func allowedProject(ctx context.Context, projectID string) bool {
	c, ok := ClaimsFromContext(ctx)
	if !ok {
		return false
	}
	return c.ProjectID == "" || c.ProjectID == projectID
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encode response failed", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, storeclient.ErrorPayload{Error: msg, Code: code})
}
