package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"media-proxy-go/internal/config"
)

// exposedHeaders lets browser players read the range framing of a response.
var exposedHeaders = []string{
	echo.HeaderContentLength,
	"Content-Range",
	"Accept-Ranges",
}

// CORS returns the cross-origin policy for the proxy. Web players fetch
// playlists and segments from a page served by another origin.
func CORS(cfg config.CORSConfig) echo.MiddlewareFunc {
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.AllowOrigins,
		AllowMethods:  cfg.AllowMethods,
		AllowHeaders:  cfg.AllowHeaders,
		ExposeHeaders: exposedHeaders,
	})
}
