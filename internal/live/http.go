package live

import "github.com/gin-gonic/gin"

func RegisterRoutes(r *gin.Engine, h *Hub) {
	ws := r.Group("/ws")
	{
		ws.GET("/matches/:id", func(c *gin.Context) {
			h.ServeMatch(c.Writer, c.Request, c.Param("id"))
		})
		ws.GET("/sessions/:id", func(c *gin.Context) {
			h.ServeSession(c.Writer, c.Request, c.Param("id"))
		})
	}
}
