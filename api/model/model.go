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

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/medtrace/medtrace/model"
)

// DateLayout is the wire format of manufacture and expiry dates.
const DateLayout = "2006-01-02"

type RegisterBatch struct {
	BatchNumber     string                 `json:"batch_number"`
	MedicineName    string                 `json:"medicine_name"`
	Manufacturer    string                 `json:"manufacturer"`
	Quantity        int64                  `json:"quantity"`
	ManufactureDate string                 `json:"manufacture_date"`
	ExpiryDate      string                 `json:"expiry_date"`
	MetaData        map[string]interface{} `json:"meta_data,omitempty"`
}

type AcceptBatch struct {
	BatchNumber     string `json:"batch_number"`
	CustodyTargetID string `json:"custody_target_id"`
	Quantity        int64  `json:"quantity"`
}

func (r *RegisterBatch) ValidateRegisterBatch() error {
	r.BatchNumber = strings.TrimSpace(r.BatchNumber)
	return validation.ValidateStruct(r,
		validation.Field(&r.BatchNumber, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.MedicineName, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Manufacturer, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Quantity, validation.Required, validation.Min(int64(1))),
		validation.Field(&r.ManufactureDate, validation.Required, validation.Date(DateLayout)),
		validation.Field(&r.ExpiryDate, validation.Required, validation.Date(DateLayout).Min(r.minExpiry())),
	)
}

// minExpiry is the day after manufacture, or the zero time when the manufacture date does not parse.
func (r *RegisterBatch) minExpiry() time.Time {
	made, err := time.Parse(DateLayout, r.ManufactureDate)
	if err != nil {
		return time.Time{}
	}
	return made.AddDate(0, 0, 1)
}

func (r *RegisterBatch) ToBatch() *model.Batch {
	made, _ := time.Parse(DateLayout, r.ManufactureDate)
	expires, _ := time.Parse(DateLayout, r.ExpiryDate)
	return &model.Batch{
		BatchNumber:     r.BatchNumber,
		MedicineName:    strings.TrimSpace(r.MedicineName),
		Manufacturer:    strings.TrimSpace(r.Manufacturer),
		Quantity:        r.Quantity,
		ManufactureDate: made,
		ExpiryDate:      expires,
		MetaData:        r.MetaData,
	}
}

// ValidateAcceptBatch checks the request shape. An empty custody target is filled in
// from the caller further down.
func (a *AcceptBatch) ValidateAcceptBatch() error {
	a.BatchNumber = strings.TrimSpace(a.BatchNumber)
	return validation.ValidateStruct(a,
		validation.Field(&a.BatchNumber, validation.Required, validation.Length(1, 64)),
		validation.Field(&a.Quantity, validation.Required, validation.Min(int64(1))),
	)
}

func (a *AcceptBatch) ToAcceptRequest() model.AcceptRequest {
	return model.AcceptRequest{
		BatchNumber:     a.BatchNumber,
		CustodyTargetID: strings.TrimSpace(a.CustodyTargetID),
		Quantity:        a.Quantity,
	}
}
