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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/medtrace/medtrace"
	"github.com/medtrace/medtrace/api/middleware"
	model2 "github.com/medtrace/medtrace/api/model"
)

// RegisterBatch answers 201 for fully synced and provisional registrations alike; the
// body says which. A ledger revert answers 502 with the compensated status.
func (a Api) RegisterBatch(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)

	var newBatch model2.RegisterBatch
	if err := c.ShouldBindJSON(&newBatch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := newBatch.ValidateRegisterBatch(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.medtrace.RegisterBatch(c.Request.Context(), principal, newBatch.ToBatch())
	if err != nil {
		if resp != nil && errors.Is(err, medtrace.ErrLedgerReverted) {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": resp})
			return
		}
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) AcceptBatch(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)

	var accept model2.AcceptBatch
	if err := c.ShouldBindJSON(&accept); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := accept.ValidateAcceptBatch(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.medtrace.AcceptBatch(c.Request.Context(), principal, accept.ToAcceptRequest())
	if err != nil {
		if resp != nil && errors.Is(err, medtrace.ErrLedgerReverted) {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": resp})
			return
		}
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// VerifyBatch always answers 200 with a verdict unless the store cannot be read.
func (a Api) VerifyBatch(c *gin.Context) {
	batchNumber, passed := c.Params.Get("batch_number")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_number is required. pass it in the route /:batch_number"})
		return
	}

	resp, err := a.medtrace.VerifyBatch(c.Request.Context(), batchNumber)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) PurgeBatch(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)

	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	if err := a.medtrace.PurgeBatch(c.Request.Context(), principal, id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"purged": id})
}
