/*
Copyright 2024 Medtrace Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/medtrace/medtrace"
	"github.com/medtrace/medtrace/api/middleware"
	"github.com/medtrace/medtrace/config"
	"github.com/medtrace/medtrace/model"
)

type Api struct {
	medtrace *medtrace.Medtrace
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	conf := a.medtrace.Config()

	public := router.Group("/", middleware.RateLimitMiddleware(conf))
	public.GET("/batches/verify/:batch_number", a.VerifyBatch)
	public.GET("/metrics", gin.WrapH(a.medtrace.Metrics().Handler()))

	authed := router.Group("/", middleware.Authenticate(), middleware.PrincipalRateLimitMiddleware(conf))
	authed.POST("/batches", middleware.RequireRole(model.RoleManufacturer), a.RegisterBatch)
	authed.POST("/batches/accept", middleware.RequireRole(model.RolePharmacy), a.AcceptBatch)
	authed.DELETE("/batches/:id", middleware.RequireRole(model.RoleManufacturer), a.PurgeBatch)

	admin := authed.Group("/", middleware.RequireRole(model.RoleAdmin))
	admin.GET("/duplicates", a.FindDuplicates)
	admin.POST("/duplicates/repair", a.RepairDuplicates)
	admin.POST("/reconcile/run-once", a.RunReconciliation)
	admin.GET("/reconcile/status", a.ReconcileStatus)
	admin.POST("/reconcile/:kind/:id", a.ReconcileRecord)

	return a.router
}

func NewAPI(m *medtrace.Medtrace) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware(conf.ProjectName))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(conf))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{medtrace: m, router: r}
}
