package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vberezin/dialtone/internal/adapters/signal"
	"github.com/vberezin/dialtone/internal/config"
	"github.com/vberezin/dialtone/internal/directory"
	"github.com/vberezin/dialtone/internal/domain"
	"github.com/vberezin/dialtone/internal/relay"
)

// DeviceTokenMiddleware gives every browser/device a stable cookie. It is
// not authentication; it only helps correlate reconnects in logs.
func DeviceTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("dt")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("dt", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("device_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, router *relay.Router, dir directory.Directory) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("DialtoneSessions", store))
	r.Use(DeviceTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := signal.NewController(router, signal.NewInviteRateLimiter(cfg.InviteLimit, cfg.InviteInterval), cfg)

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("device", c.GetString("device_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	// Read-only view of the directory collaborator, with derived presence.
	api.GET("/contacts", func(c *gin.Context) {
		identity := domain.Identity(c.Query("identity"))
		if err := identity.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		type entry struct {
			domain.Contact
			Online bool `json:"online"`
		}
		contacts := dir.ContactsOf(identity)
		out := make([]entry, 0, len(contacts))
		for _, ct := range contacts {
			out = append(out, entry{Contact: ct, Online: router.Registry.Online(ct.Identity)})
		}
		c.JSON(http.StatusOK, gin.H{"contacts": out})
	})

	return r
}
