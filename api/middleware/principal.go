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

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/medtrace/medtrace/model"
)

const (
	PrincipalHeader = "X-Medtrace-Principal"
	RoleHeader      = "X-Medtrace-Role"

	principalContextKey = "principal"
)

// Authenticate reads the caller identity that the upstream authentication layer
// attaches to each request. Requests without a recognised principal are rejected.
func Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(PrincipalHeader))
		role := model.Role(strings.ToLower(strings.TrimSpace(c.GetHeader(RoleHeader))))
		if id == "" || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing principal"})
			return
		}

		switch role {
		case model.RoleManufacturer, model.RolePharmacy, model.RoleAdmin:
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unknown role " + string(role)})
			return
		}

		c.Set(principalContextKey, model.Principal{ID: id, Role: role})
		c.Next()
	}
}

// RequireRole lets the request through only when the authenticated principal holds one
// of roles. It must run after Authenticate.
func RequireRole(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing principal"})
			return
		}
		if !p.Can(roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			return
		}
		c.Next()
	}
}

func PrincipalFrom(c *gin.Context) (model.Principal, bool) {
	v, ok := c.Get(principalContextKey)
	if !ok {
		return model.Principal{}, false
	}
	p, ok := v.(model.Principal)
	return p, ok
}
