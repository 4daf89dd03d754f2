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
	"strconv"

	"github.com/gin-gonic/gin"
)

type repairRequest struct {
	Apply bool `json:"apply"`
	Limit int  `json:"limit"`
}

func (a Api) RunReconciliation(c *gin.Context) {
	report, err := a.medtrace.RunReconciliation(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, report)
}

func (a Api) ReconcileStatus(c *gin.Context) {
	resp, err := a.medtrace.ReconcileStatus(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ReconcileRecord converges a single batch or transfer without waiting for the next sweep.
func (a Api) ReconcileRecord(c *gin.Context) {
	kind := c.Param("kind")
	id := c.Param("id")
	if kind != "batch" && kind != "transfer" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be batch or transfer"})
		return
	}

	if err := a.medtrace.ReconcileRecord(c.Request.Context(), kind, id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reconciled": id})
}

func (a Api) FindDuplicates(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
		return
	}

	groups, err := a.medtrace.FindDuplicates(c.Request.Context(), limit)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, groups)
}

func (a Api) RepairDuplicates(c *gin.Context) {
	var req repairRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
			return
		}
	}

	groups, err := a.medtrace.RepairDuplicates(c.Request.Context(), req.Limit, req.Apply)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, groups)
}
