package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"subscription-service/internal/clock"
	"subscription-service/internal/models"
	"subscription-service/internal/repository"
)

// Entitlement is the effective value of one feature for a tenant
type Entitlement struct {
	Code   string             `json:"code"`
	Name   string             `json:"name"`
	Type   models.FeatureType `json:"type"`
	Value  interface{}        `json:"value"`
	Source string             `json:"source"` // "plan" or "default"
}

// Entitlements is the resolved feature set of a tenant
type Entitlements struct {
	TenantID uuid.UUID              `json:"tenant_id"`
	PlanID   *uuid.UUID             `json:"plan_id,omitempty"`
	PlanCode string                 `json:"plan_code,omitempty"`
	Features map[string]Entitlement `json:"features"`
}

// Bool returns a boolean feature, false when missing or of another type
func (e *Entitlements) Bool(code string) bool {
	v, _ := e.Features[code].Value.(bool)
	return v
}

// Int returns an integer feature, 0 when missing or of another type
func (e *Entitlements) Int(code string) int64 {
	v, _ := e.Features[code].Value.(int64)
	return v
}

// EntitlementService resolves plan features for tenants
type EntitlementService struct {
	store  *repository.Store
	clock  clock.Clock
	logger *logrus.Logger
}

// NewEntitlementService creates a new entitlement service
func NewEntitlementService(store *repository.Store, clk clock.Clock, logger *logrus.Logger) *EntitlementService {
	return &EntitlementService{store: store, clock: clk, logger: logger}
}

// Resolve returns every catalog feature with the tenant's plan override applied.
// A canceled term keeps its entitlements until its grace period ends.
func (s *EntitlementService) Resolve(ctx context.Context, tenantID uuid.UUID) (*Entitlements, error) {
	tenant, err := s.store.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, NewNotFoundError("tenant", tenantID.String())
	}

	features, err := s.store.Plans.ListFeatures(ctx)
	if err != nil {
		return nil, err
	}

	result := &Entitlements{TenantID: tenantID, Features: make(map[string]Entitlement, len(features))}
	for _, f := range features {
		value, err := DecodeFeatureValue(f.Type, f.DefaultValue)
		if err != nil {
			return nil, NewValidationError("feature."+f.Code, err.Error())
		}
		result.Features[f.Code] = Entitlement{Code: f.Code, Name: f.Name, Type: f.Type, Value: value, Source: "default"}
	}

	a, err := s.entitledAssignment(ctx, tenantID)
	if err != nil || a == nil {
		return result, err
	}
	result.PlanID = &a.PlanID
	if a.Plan != nil {
		result.PlanCode = a.Plan.Code
	}

	overrides, err := s.store.Plans.ListPlanFeatures(ctx, a.PlanID)
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		value, err := DecodeFeatureValue(o.Feature.Type, o.Value)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"plan_id": a.PlanID,
				"feature": o.Feature.Code,
			}).Warn("Ignoring invalid plan feature override")
			continue
		}
		result.Features[o.Feature.Code] = Entitlement{
			Code:   o.Feature.Code,
			Name:   o.Feature.Name,
			Type:   o.Feature.Type,
			Value:  value,
			Source: "plan",
		}
	}
	return result, nil
}

func (s *EntitlementService) entitledAssignment(ctx context.Context, tenantID uuid.UUID) (*models.PlanAssignment, error) {
	current, err := s.store.Assignments.GetCurrent(ctx, tenantID)
	if err != nil || current != nil {
		return current, err
	}
	latest, err := s.store.Assignments.GetLatest(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.InGracePeriod(s.clock.Now()) {
		return latest, nil
	}
	return nil, nil
}

// SetPlanFeature validates value against the feature type and stores it as the plan's override
func (s *EntitlementService) SetPlanFeature(ctx context.Context, planID uuid.UUID, featureCode string, value json.RawMessage) error {
	plan, err := s.store.Plans.GetByID(ctx, planID)
	if err != nil {
		return err
	}
	if plan == nil {
		return NewNotFoundError("plan", planID.String())
	}

	features, err := s.store.Plans.ListFeatures(ctx)
	if err != nil {
		return err
	}
	for _, f := range features {
		if f.Code != featureCode {
			continue
		}
		if _, err := DecodeFeatureValue(f.Type, value); err != nil {
			return NewValidationError("value", err.Error())
		}
		return s.store.Plans.SetPlanFeature(ctx, &models.PlanFeature{
			PlanID:    plan.ID,
			FeatureID: f.ID,
			Value:     models.FeatureValue(value),
		})
	}
	return NewNotFoundError("feature", featureCode)
}

// DecodeFeatureValue converts a stored JSON value into the Go type of its feature:
// bool, int64, float64, string or json.RawMessage. A missing value decodes to the zero value.
func DecodeFeatureValue(t models.FeatureType, raw []byte) (interface{}, error) {
	empty := len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))

	switch t {
	case models.FeatureTypeBoolean:
		var v bool
		if empty {
			return v, nil
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("expected boolean, got %s", raw)
		}
		return v, nil
	case models.FeatureTypeInteger:
		if empty {
			return int64(0), nil
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return nil, fmt.Errorf("expected integer, got %s", raw)
		}
		v, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %s", raw)
		}
		return v, nil
	case models.FeatureTypeFloat:
		var v float64
		if empty {
			return v, nil
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("expected number, got %s", raw)
		}
		return v, nil
	case models.FeatureTypeString:
		var v string
		if empty {
			return v, nil
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("expected string, got %s", raw)
		}
		return v, nil
	case models.FeatureTypeJSON:
		if empty {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid JSON value")
		}
		return json.RawMessage(raw), nil
	}
	return nil, fmt.Errorf("unknown feature type %q", t)
}
