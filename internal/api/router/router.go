// Package router wires the HTTP surface of the API service.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openshaz/openshaz/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "openshaz-api",
		})
	})

	songHandler := handler.NewSongHandler(deps)

	v1 := r.Group("/api/v1")
	{
		songs := v1.Group("/songs")
		{
			// POST /api/v1/songs - Upload a song for feature extraction
			songs.POST("", songHandler.UploadSong)

			// POST /api/v1/songs/similar - Rank the catalogue against a query song
			songs.POST("/similar", songHandler.FindSimilarSongs)
		}
	}

	return r
}
