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

package model

// Role is supplied by the upstream authentication layer and trusted as-is.
type Role string

const (
	RoleManufacturer Role = "manufacturer"
	RolePharmacy     Role = "pharmacy"
	RoleAdmin        Role = "admin"
)

// Principal is the authenticated caller of a coordinator operation.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Can reports whether the principal holds one of the given roles. Admins can do anything.
func (p Principal) Can(roles ...Role) bool {
	if p.Role == RoleAdmin {
		return true
	}
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}
