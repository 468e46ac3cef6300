package matches

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xaitan80/X-Score/internal/apperr"
	"github.com/xaitan80/X-Score/internal/auth"
	"github.com/xaitan80/X-Score/internal/models"
)

// ----- Request payloads -----

type scoreReq struct {
	Team  string `json:"team"`
	Delta *int   `json:"delta"`
}

type statReq struct {
	Team  string `json:"team"`
	Stat  string `json:"stat"`
	Delta *int   `json:"delta"`
}

type goalReq struct {
	Team   string `json:"team"`
	Scorer string `json:"scorer"`
	Assist string `json:"assist"`
}

type finishReq struct {
	Confirm bool `json:"confirm"`
}

type timerResp struct {
	models.Match
	Warning string `json:"warning,omitempty"`
}

// ImportResult reports a fixture import.
type ImportResult struct {
	Created []Created `json:"created"`
	Failed  int       `json:"failed"`
	Errors  []string  `json:"errors"`
}

// ----- Routes -----

func RegisterRoutes(r *gin.Engine, svc *Service) {
	api := r.Group("/api/matches")
	{
		api.POST("", func(c *gin.Context) {
			var req Draft
			if !bindJSON(c, &req) {
				return
			}
			created, err := svc.Create(c.Request.Context(), "", req)
			if err != nil {
				apperr.Respond(c, err)
				return
			}
			c.JSON(http.StatusCreated, created)
		})

		api.POST("/import", func(c *gin.Context) {
			rows, ok := ReadImport(c)
			if !ok {
				return
			}
			res := ImportResult{Created: []Created{}, Errors: []string{}}
			for _, row := range rows {
				created, err := svc.Create(c.Request.Context(), "", row.Draft)
				if err != nil {
					res.Errors = append(res.Errors, fmt.Sprintf("row %d: %v", row.Line, ErrorMessage(err)))
					continue
				}
				res.Created = append(res.Created, created)
			}
			res.Failed = len(res.Errors)
			c.JSON(http.StatusOK, res)
		})

		api.GET("/:id", func(c *gin.Context) {
			m, err := svc.Get(c.Request.Context(), c.Param("id"))
			if err != nil {
				apperr.Respond(c, err)
				return
			}
			c.JSON(http.StatusOK, m)
		})

		api.POST("/:id/score", func(c *gin.Context) {
			var req scoreReq
			if !bindJSON(c, &req) {
				return
			}
			if req.Delta == nil {
				apperr.Respond(c, apperr.Validation("missing_delta", "delta is required"))
				return
			}
			respond(c)(svc.AdjustScore(c.Request.Context(), c.Param("id"), auth.Credential(c), req.Team, *req.Delta))
		})

		api.POST("/:id/stats", func(c *gin.Context) {
			var req statReq
			if !bindJSON(c, &req) {
				return
			}
			if req.Delta == nil {
				apperr.Respond(c, apperr.Validation("missing_delta", "delta is required"))
				return
			}
			respond(c)(svc.AdjustStat(c.Request.Context(), c.Param("id"), auth.Credential(c), req.Team, req.Stat, *req.Delta))
		})

		api.POST("/:id/goals", func(c *gin.Context) {
			var req goalReq
			if !bindJSON(c, &req) {
				return
			}
			respond(c)(svc.RecordGoal(c.Request.Context(), c.Param("id"), auth.Credential(c), req.Team, req.Scorer, req.Assist))
		})

		api.DELETE("/:id/goals/:index", func(c *gin.Context) {
			idx, err := strconv.Atoi(c.Param("index"))
			if err != nil {
				apperr.Respond(c, apperr.Validation("invalid_index", "goal index must be a number"))
				return
			}
			respond(c)(svc.RemoveGoal(c.Request.Context(), c.Param("id"), auth.Credential(c), idx))
		})

		api.POST("/:id/timer/start", func(c *gin.Context) {
			respond(c)(svc.StartTimer(c.Request.Context(), c.Param("id"), auth.Credential(c)))
		})

		api.POST("/:id/timer/pause", func(c *gin.Context) {
			m, warning, err := svc.PauseTimer(c.Request.Context(), c.Param("id"), auth.Credential(c))
			if err != nil {
				apperr.Respond(c, err)
				return
			}
			c.JSON(http.StatusOK, timerResp{Match: m, Warning: warning})
		})

		api.POST("/:id/finish", func(c *gin.Context) {
			var req finishReq
			if !bindJSON(c, &req) {
				return
			}
			respond(c)(svc.Finish(c.Request.Context(), c.Param("id"), auth.Credential(c), req.Confirm))
		})

		api.POST("/:id/restart", func(c *gin.Context) {
			respond(c)(svc.Restart(c.Request.Context(), c.Param("id"), auth.Credential(c)))
		})

		api.POST("/:id/grants", func(c *gin.Context) {
			g, err := svc.Grant(c.Request.Context(), c.Param("id"), auth.Credential(c))
			if err != nil {
				apperr.Respond(c, err)
				return
			}
			c.JSON(http.StatusCreated, g)
		})
	}
}

// ReadImport parses the multipart "file" field, answering 400 itself when it
// cannot.
func ReadImport(c *gin.Context) ([]ImportRow, bool) {
	if err := c.Request.ParseMultipartForm(12 << 20); err != nil { // 12MB
		apperr.Respond(c, apperr.Validation("bad_upload", "multipart too large or malformed"))
		return nil, false
	}
	fh, err := c.FormFile("file")
	if err != nil {
		apperr.Respond(c, apperr.Validation("missing_file", "missing file"))
		return nil, false
	}
	rows, err := ParseImport(fh)
	if err != nil {
		apperr.Respond(c, apperr.Validation("bad_import", err.Error()))
		return nil, false
	}
	return rows, true
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		apperr.Respond(c, apperr.Validation("bad_json", "bad json"))
		return false
	}
	return true
}

func respond(c *gin.Context) func(models.Match, error) {
	return func(m models.Match, err error) {
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

// ErrorMessage is the client-facing text of err.
func ErrorMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
