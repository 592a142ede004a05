// Package httpapi implements the Scan Ingest HTTP surface (C8) plus the
// state/session/tokens/health/admin endpoints spec.md §6 lists, wired with
// gin the way the rest of this module's ambient stack expects.
package httpapi

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mantonx/aln-orchestrator/internal/apperr"
	"github.com/mantonx/aln-orchestrator/internal/auth"
	"github.com/mantonx/aln-orchestrator/internal/catalog"
	"github.com/mantonx/aln-orchestrator/internal/offline"
	"github.com/mantonx/aln-orchestrator/internal/pipeline"
	"github.com/mantonx/aln-orchestrator/internal/projection"
	"github.com/mantonx/aln-orchestrator/internal/session"
	"github.com/prometheus/client_golang/prometheus"

	applog "github.com/hashicorp/go-hclog"
)

// apiVersion is reported by /health. This could be made dynamic later
// (build-time ldflags, VCS tag).
const apiVersion = "1.0.0"

// tokenIDPattern is the §6 validation constraint on tokenId: 1-100 chars
// of letters, digits, underscore.
var tokenIDPattern = regexp.MustCompile(`^[A-Za-z_0-9]{1,100}$`)

// Deps bundles every collaborator the router needs.
type Deps struct {
	Log         applog.Logger
	Catalog     *catalog.Catalog
	Sessions    *session.Service
	Pipeline    *pipeline.Pipeline
	Offline     *offline.Queue
	Projection  *projection.Projection
	Auth        *auth.Issuer
	CORSOrigins []string
	StartedAt   time.Time
	Outcomes    *prometheus.CounterVec
}

// New builds the gin engine with every route from spec.md §6 wired.
func New(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(apperr.RecoveryMiddleware(func(msg string, args ...any) { d.Log.Error(msg, args...) }))
	r.Use(corsMiddleware(d.CORSOrigins))

	r.GET("/health", healthHandler(d))
	r.GET("/api/tokens", tokensHandler(d))
	r.GET("/api/session", sessionHandler(d))
	r.GET("/api/state", stateHandler(d))
	r.POST("/api/scan", scanHandler(d))
	r.POST("/api/scan/batch", scanBatchHandler(d))
	r.POST("/api/admin/auth", adminAuthHandler(d))

	admin := r.Group("/api/admin")
	admin.Use(d.Auth.RequireAdmin())
	admin.GET("/logs", adminLogsHandler(d))

	return r
}

func corsMiddleware(allowed []string) gin.HandlerFunc {
	allowAll := len(allowed) == 1 && allowed[0] == "*"
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || set[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func healthHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "online",
			"version":       apiVersion,
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
			"uptimeSeconds": int(time.Since(d.StartedAt).Seconds()),
			"tokenCount":    d.Catalog.Count(),
		})
	}
}

func tokensHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"tokens":     d.Catalog.All(),
			"count":      d.Catalog.Count(),
			"lastUpdate": d.Catalog.LastUpdate(),
		})
	}
}

func sessionHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := d.Sessions.GetCurrentSession()
		if !ok {
			apperr.NotFound("session").RespondJSON(c)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

// stateHandler serves the State Projection with ETag / If-None-Match
// support, per spec.md §4.11.
func stateHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := d.Projection.Snapshot()
		etag, err := projection.ETag(snap)
		if err != nil {
			apperr.Internal("failed to compute state etag", err).RespondJSON(c)
			return
		}
		c.Header("ETag", etag)
		if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
			c.Status(http.StatusNotModified)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

type scanRequestBody struct {
	TokenID  string `json:"tokenId" binding:"required"`
	TeamID   string `json:"teamId"`
	DeviceID string `json:"deviceId"`
	Mode     string `json:"mode"`
	ClientID string `json:"clientId"`
}

// validate enforces spec.md §6's tokenId constraints (1-100 chars,
// letters/digits/underscore) as a proper VALIDATION_ERROR instead of
// letting a malformed id fall through to an incidental catalog miss.
func (b scanRequestBody) validate() bool {
	return tokenIDPattern.MatchString(b.TokenID)
}

// scanHandler is the single-scan player ingest endpoint, per spec.md §4.8.
// A 409 is returned when the video player is already busy and this scan
// would have triggered a video, matching spec.md §4.5 step 5's HTTP-ingest
// conflict rule.
func scanHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body scanRequestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			apperr.Validation("invalid scan request body", map[string]any{"error": err.Error()}).RespondJSON(c)
			return
		}
		if !body.validate() {
			apperr.Validation("tokenId must be 1-100 characters of letters, digits, or underscore", map[string]any{"tokenId": body.TokenID}).RespondJSON(c)
			return
		}

		result := d.Pipeline.Submit(pipeline.ScanRequest{
			TokenID:        body.TokenID,
			TeamID:         body.TeamID,
			DeviceID:       body.DeviceID,
			DeviceType:     pipeline.DevicePlayer,
			Mode:           pipeline.Mode(body.Mode),
			Timestamp:      time.Now(),
			ClientID:       body.ClientID,
			FromHTTPIngest: true,
		})
		if d.Outcomes != nil {
			d.Outcomes.WithLabelValues(string(result.Status)).Inc()
		}

		status := http.StatusOK
		switch result.Status {
		case pipeline.StatusRejected:
			status = http.StatusConflict
		case pipeline.StatusError:
			status = http.StatusBadRequest
		}
		c.JSON(status, result)
	}
}

type scanBatchRequestBody struct {
	BatchID      string            `json:"batchId"`
	Transactions []scanRequestBody `json:"transactions"`
}

// scanBatchHandler runs every scan through the pipeline independently and
// preserves submission order in the response, per spec.md §4.8's
// "permissive, no additional dedup beyond the pipeline's own" rule —
// batch submissions get no special duplicate suppression of their own.
// An empty batch is not an error: it returns 200 with an empty results
// slice, per §8 property 13.
func scanBatchHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body scanBatchRequestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			apperr.Validation("invalid batch scan request body", map[string]any{"error": err.Error()}).RespondJSON(c)
			return
		}

		results := make([]pipeline.Result, 0, len(body.Transactions))
		for _, s := range body.Transactions {
			if !s.validate() {
				results = append(results, pipeline.Result{
					Status:  pipeline.StatusError,
					TokenID: s.TokenID,
					Message: "tokenId must be 1-100 characters of letters, digits, or underscore",
				})
				continue
			}
			result := d.Pipeline.Submit(pipeline.ScanRequest{
				TokenID:        s.TokenID,
				TeamID:         s.TeamID,
				DeviceID:       s.DeviceID,
				DeviceType:     pipeline.DevicePlayer,
				Mode:           pipeline.Mode(s.Mode),
				Timestamp:      time.Now(),
				ClientID:       s.ClientID,
				FromHTTPIngest: true,
			})
			if d.Outcomes != nil {
				d.Outcomes.WithLabelValues(string(result.Status)).Inc()
			}
			results = append(results, result)
		}
		c.JSON(http.StatusOK, gin.H{"batchId": body.BatchID, "results": results})
	}
}

type adminAuthBody struct {
	Password string `json:"password" binding:"required"`
}

func adminAuthHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body adminAuthBody
		if err := c.ShouldBindJSON(&body); err != nil {
			apperr.Validation("password is required", nil).RespondJSON(c)
			return
		}
		token, expiresIn, aerr := d.Auth.Login(body.Password)
		if aerr != nil {
			aerr.RespondJSON(c)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "expiresIn": expiresIn})
	}
}

// adminLogsHandler exposes the tail of recent transactions as a crude
// activity log; spec.md does not define a dedicated log store, so this
// reuses the pipeline's own history per the State Projection's existing
// recentTransactions data rather than inventing a new persistence layer.
func adminLogsHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		c.JSON(http.StatusOK, gin.H{"transactions": d.Pipeline.Recent(limit)})
	}
}
