package gateway

import (
	"net/http"

	"SignGate/global"
	"SignGate/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	SocketPath string
	Origins    *middleware.OriginPolicy
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
}

// NewRouter mounts the socket endpoint, /status and /metrics.
func NewRouter(g *Gateway, t *Transport, opts RouterOptions) *gin.Engine {
	if opts.SocketPath == "" {
		opts.SocketPath = "/socket"
	}
	if opts.Origins == nil {
		opts.Origins = middleware.NewOriginPolicy([]string{"*"})
	}

	r := gin.New()
	r.Use(gin.Recovery(), opts.Origins.CORS())

	r.GET(opts.SocketPath, t.HandleWS)
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, global.Success(g.Status()))
	})
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}
