package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/suPer8Hu/nahara-chat/internal/common"
	"github.com/suPer8Hu/nahara-chat/internal/config"
	"github.com/suPer8Hu/nahara-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/nahara-chat/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, cfg config.Config, log *slog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	limiter := middleware.NewRateLimiter(cfg.ChatRateLimit, cfg.ChatRateBurst)

	// stateless proxy, answers {text}/{text,warning}/{error} even when rejected
	r.POST("/api/chat",
		middleware.BodyLimit(cfg.MaxBodyBytes, func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": handlers.ErrBodyTooLarge})
		}),
		limiter.Middleware(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
		}),
		h.Chat)

	api := r.Group("/api", middleware.BodyLimit(cfg.MaxBodyBytes, middleware.BodyTooLarge))

	api.GET("/models", h.ListModels)
	api.GET("/models/active", h.ActiveModel)
	api.PUT("/models/active", h.SelectModel)

	api.GET("/conversations", h.ListConversations)
	api.POST("/conversations", h.CreateConversation)
	api.GET("/conversations/current", h.CurrentConversation)
	api.GET("/conversations/:id", h.GetConversation)
	api.PATCH("/conversations/:id", h.RenameConversation)
	api.DELETE("/conversations/:id", h.DeleteConversation)
	api.POST("/conversations/:id/select", h.SelectConversation)
	api.PUT("/conversations/:id/messages", h.ReplaceMessages)
	api.POST("/conversations/:id/messages", limiter.Middleware(middleware.TooManyRequests), h.SubmitMessage)
	api.POST("/conversations/:id/cancel", h.CancelTurn)
	return r
}

// WithCORS wraps the engine for browser clients on CORS_ORIGINS.
func WithCORS(handler http.Handler, origins []string) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	}).Handler(handler)
}
