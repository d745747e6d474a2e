package internal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	apperrors "github.com/koopa0/system-design/14-race-room/pkg/errors"
	"github.com/koopa0/system-design/14-race-room/pkg/logger"
)

const maxRequestBody = 1 << 20

// HandlerOptions HTTP 層配置
type HandlerOptions struct {
	AllowedOrigins []string
	RateLimit      int           // 每個 IP + 端點在 RateWindow 內的請求上限，0 表示不限
	RateWindow     time.Duration
}

// Handler HTTP 請求處理器
//
// 提供唯讀查詢與非即時操作；即時操作走 /ws。
type Handler struct {
	registry *Registry
	builder  *Builder
	gateway  *Gateway
	auth     *Authenticator
	opts     HandlerOptions
	logger   *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(registry *Registry, builder *Builder, gateway *Gateway, auth *Authenticator, opts HandlerOptions, logger *slog.Logger) *Handler {
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	return &Handler{
		registry: registry,
		builder:  builder,
		gateway:  gateway,
		auth:     auth,
		opts:     opts,
		logger:   logger.With("component", "http"),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.loggerMiddleware)
	r.Use(h.recoverer)

	origins := h.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Get("/ws", h.gateway.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		if h.opts.RateLimit > 0 {
			r.Use(httprate.Limit(h.opts.RateLimit, h.opts.RateWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					h.errorResponse(w, "rate limit exceeded", http.StatusTooManyRequests)
				})))
		}
		r.Use(h.authenticate)

		r.Get("/rooms", h.listRooms)
		r.Get("/rooms/available", h.listAvailableRooms)
		r.Get("/rooms/{roomID}", h.getRoom)
		r.Post("/race-packages", h.buildRacePackage)
		r.Post("/race-packages/validate", h.validateRacePackage)

		r.Group(func(r chi.Router) {
			r.Use(h.adminOnly)
			r.Post("/rooms", h.createRoom)
			r.Delete("/rooms/{roomID}", h.closeRoom)
			r.Get("/admin/stats", h.stats)
		})
	})

	return r
}

type identityKey struct{}

// IdentityFromContext 取得認證中間件寫入的身份
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// authenticate 驗證 Bearer 憑證
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := h.auth.Verify(TokenFromRequest(r))
		if err != nil {
			h.errorResponse(w, "invalid or missing token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		ctx = logger.WithUserID(ctx, identity.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminOnly 只允許配置的管理員
func (h *Handler) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || !identity.IsAdmin {
			h.appError(w, r, apperrors.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createRoomBody struct {
	MaxParticipants int `json:"maxParticipants"`
}

type raceConfigBody struct {
	RaceConfig *RaceConfiguration `json:"raceConfig"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status":      "ok",
		"rooms":       len(h.registry.ListAll()),
		"connections": h.gateway.ConnectionCount(),
	}, http.StatusOK)
}

// listRooms 列出房間，可用 ?status= 篩選
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	var rooms []*Room
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := RoomStatus(raw)
		if !status.Valid() {
			h.errorResponse(w, "unknown status: "+raw, http.StatusBadRequest)
			return
		}
		rooms = h.registry.ListByStatus(status)
	} else {
		rooms = h.registry.ListAll()
	}

	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": len(rooms),
	}, http.StatusOK)
}

func (h *Handler) listAvailableRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := h.registry.ListAvailable()
	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": len(rooms),
	}, http.StatusOK)
}

func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.registry.GetRoom(chi.URLParam(r, "roomID"))
	if err != nil {
		h.appError(w, r, err)
		return
	}
	h.jsonResponse(w, room, http.StatusOK)
}

func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var body createRoomBody
	if err := h.decode(w, r, &body); err != nil {
		h.appError(w, r, err)
		return
	}

	identity, _ := IdentityFromContext(r.Context())
	room, err := h.registry.CreateRoom(identity.Username, body.MaxParticipants)
	if err != nil {
		h.appError(w, r, err)
		return
	}
	h.gateway.AnnounceRoom(room)

	h.jsonResponse(w, room, http.StatusCreated)
}

func (h *Handler) closeRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	identity, _ := IdentityFromContext(r.Context())

	closed, err := h.registry.CloseRoom(roomID, identity.Username)
	if err != nil {
		h.appError(w, r, err)
		return
	}
	if !closed {
		h.appError(w, r, apperrors.ErrRoomNotFound.WithDetails("room "+roomID))
		return
	}
	h.gateway.AnnounceClosed(roomID)

	h.jsonResponse(w, map[string]any{
		"roomId": roomID,
		"closed": true,
	}, http.StatusOK)
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, map[string]any{
		"rooms":       h.registry.AdminStats(),
		"connections": h.gateway.ConnectionCount(),
	}, http.StatusOK)
}

func (h *Handler) buildRacePackage(w http.ResponseWriter, r *http.Request) {
	var body raceConfigBody
	if err := h.decode(w, r, &body); err != nil {
		h.appError(w, r, err)
		return
	}

	pkg, err := h.builder.BuildRacePackage(r.Context(), body.RaceConfig)
	if err != nil {
		h.appError(w, r, err)
		return
	}
	h.jsonResponse(w, pkg, http.StatusOK)
}

func (h *Handler) validateRacePackage(w http.ResponseWriter, r *http.Request) {
	var body raceConfigBody
	if err := h.decode(w, r, &body); err != nil {
		h.appError(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]bool{
		"valid": h.builder.ValidateRaceConfiguration(r.Context(), body.RaceConfig),
	}, http.StatusOK)
}

// decode 解析請求內容，空 body 視為空物件
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// appError 依錯誤碼返回對應的狀態碼
func (h *Handler) appError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}

	body := map[string]any{"code": apperrors.CodeOf(err)}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body["error"] = appErr.Message
		if appErr.Details != "" {
			body["details"] = appErr.Details
		}
	} else {
		body["error"] = "internal server error"
	}
	h.jsonResponse(w, body, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logger.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		r = r.WithContext(ctx)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.logger.InfoContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start))
	})
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.ErrorContext(r.Context(), "panic while handling request",
					"error", rec,
					"method", r.Method,
					"path", r.URL.Path)
				h.errorResponse(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
