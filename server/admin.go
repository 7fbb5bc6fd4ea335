package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/*
 * ============================================================================
 * 管理端口 - Admin Endpoint
 * ============================================================================
 *
 * 转发服务附带的 HTTP 管理面：
 * - GET /stats          服务与引擎统计
 * - GET /cluster/nodes  当前集群拓扑快照
 * - GET /metrics        Prometheus 指标
 */

// NewAdminRouter 组装管理路由
func NewAdminRouter(s *FShip) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/stats", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"fship":  s.Stats().Snapshot(),
			"engine": s.Client().Backend().GetStats(),
		})
	})

	router.GET("/cluster/nodes", func(ctx *gin.Context) {
		info := s.Client().Backend().ClusterInfo()
		if info == nil {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "no topology"})
			return
		}

		nodes := make([]gin.H, 0, len(info.Servers))
		for _, si := range info.Servers {
			nodes = append(nodes, gin.H{
				"first_slot": si.FirstSlot,
				"last_slot":  si.LastSlot,
				"master":     si.Master(),
				"replicas":   si.Replicas(),
			})
		}
		ctx.JSON(http.StatusOK, nodes)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// ServeAdmin 启动管理端口
func ServeAdmin(s *FShip, addr string) error {
	return NewAdminRouter(s).Run(addr)
}
