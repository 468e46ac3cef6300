package sessions

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xaitan80/X-Score/internal/apperr"
	"github.com/xaitan80/X-Score/internal/matches"
)

type createReq struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

type joinReq struct {
	Create bool `json:"create"`
}

func RegisterRoutes(r *gin.Engine, svc *Service) {
	api := r.Group("/api/sessions")
	{
		api.POST("", func(c *gin.Context) {
			var req createReq
			if err := c.ShouldBindJSON(&req); err != nil {
				apperr.Respond(c, apperr.Validation("bad_json", "bad json"))
				return
			}
			sess, err := svc.Create(c.Request.Context(), req.SessionID, req.Name)
			if err != nil {
				apperr.Respond(c, err)
				return
			}
			c.JSON(http.StatusCreated, sess)
		})

		api.POST("/:id/join", func(c *gin.Context) {
			var req joinReq
			// an empty body means "join only"
			if c.Request.ContentLength > 0 {
				if err := c.ShouldBindJSON(&req); err != nil {
					apperr.Respond(c, apperr.Validation("bad_json", "bad json"))
					return
				}
			}
			sess, created, err := svc.Join(c.Request.Context(), c.Param("id"), req.Create)
			if err != nil {
				apperr.Respond(c, err)
				return
			}
			status := http.StatusOK
			if created {
				status = http.StatusCreated
			}
			c.JSON(status, sess)
		})

		api.GET("/:id", func(c *gin.Context) {
			d, err := svc.Get(c.Request.Context(), c.Param("id"))
			if err != nil {
				apperr.Respond(c, err)
				return
			}
			c.JSON(http.StatusOK, d)
		})

		api.POST("/:id/matches", func(c *gin.Context) {
			var req matches.Draft
			if err := c.ShouldBindJSON(&req); err != nil {
				apperr.Respond(c, apperr.Validation("bad_json", "bad json"))
				return
			}
			created, err := svc.AddMatch(c.Request.Context(), c.Param("id"), req)
			if err != nil {
				apperr.Respond(c, err)
				return
			}
			c.JSON(http.StatusCreated, created)
		})

		api.POST("/:id/matches/import", func(c *gin.Context) {
			rows, ok := matches.ReadImport(c)
			if !ok {
				return
			}
			res, err := svc.Import(c.Request.Context(), c.Param("id"), rows)
			if err != nil {
				apperr.Respond(c, err)
				return
			}
			c.JSON(http.StatusOK, res)
		})

		api.GET("/:id/scoresheet.csv", func(c *gin.Context) {
			d, err := svc.Get(c.Request.Context(), c.Param("id"))
			if err != nil {
				apperr.Respond(c, err)
				return
			}
			var buf bytes.Buffer
			if err := matches.WriteScoresheetCSV(&buf, d.Matches); err != nil {
				apperr.Respond(c, apperr.Internal("export_failed", "export failed", err))
				return
			}
			c.Header("Content-Disposition", "attachment; filename="+filename(d, "csv"))
			c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
		})

		api.GET("/:id/scoresheet.xlsx", func(c *gin.Context) {
			d, err := svc.Get(c.Request.Context(), c.Param("id"))
			if err != nil {
				apperr.Respond(c, err)
				return
			}
			var buf bytes.Buffer
			if err := matches.WriteScoresheetXLSX(&buf, d.Session.Name, d.Matches); err != nil {
				apperr.Respond(c, apperr.Internal("export_failed", "export failed", err))
				return
			}
			c.Header("Content-Disposition", "attachment; filename="+filename(d, "xlsx"))
			c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
		})
	}
}

func filename(d Detail, ext string) string {
	return fmt.Sprintf("scoresheet_%s_%s.%s", d.Session.ID, time.Now().Format("2006-01-02"), ext)
}
