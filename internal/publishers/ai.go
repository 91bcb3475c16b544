package publishers

import (
	"context"
	"strings"
	"time"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/infra/bus/eventbus"
)

// Severity levels for anomalies.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Anomaly is the payload of AnomalyDetected.
type Anomaly struct {
	ID          string
	Module      string
	EntityType  string
	EntityID    string
	Metric      string
	Score       float64
	Severity    string
	Description string
	DetectedAt  time.Time
}

// Prediction is the payload of PredictionReady.
type Prediction struct {
	ID            string
	Model         string
	ModelVersion  string
	EntityType    string
	EntityID      string
	Confidence    float64
	HorizonMonths int
	Result        map[string]any
}

// AI publishes model output on the AI channel.
type AI struct {
	publisher
}

// NewAI builds the AI publisher.
func NewAI(bus Bus) *AI {
	return &AI{publisher{bus: bus, module: ModuleAI}}
}

// AnomalyDetected publishes at HIGH priority, CRITICAL for critical severity.
// The module that owns the entity is the target.
func (a *AI) AnomalyDetected(ctx context.Context, actor Actor, anomaly Anomaly) (string, error) {
	if strings.TrimSpace(anomaly.ID) == "" || strings.TrimSpace(anomaly.Metric) == "" {
		return "", errs.New("publishers/ai", errs.CodeInvalid, errs.WithMessage("anomaly id and metric required"))
	}
	severity := strings.ToLower(strings.TrimSpace(anomaly.Severity))
	switch severity {
	case "":
		severity = SeverityMedium
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return "", errs.New("publishers/ai", errs.CodeInvalid, errs.WithMessage("unknown severity "+anomaly.Severity))
	}
	detectedAt := anomaly.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}
	data := map[string]any{
		"anomalyId":  anomaly.ID,
		"metric":     anomaly.Metric,
		"score":      anomaly.Score,
		"severity":   severity,
		"detectedAt": detectedAt.UTC().Format(time.RFC3339),
	}
	setIfPresent(data, "module", anomaly.Module)
	setIfPresent(data, "description", anomaly.Description)

	priority := schema.PriorityHigh
	if severity == SeverityCritical {
		priority = schema.PriorityCritical
	}
	var targets []schema.Target
	if owner := strings.TrimSpace(anomaly.Module); owner != "" {
		targets = append(targets, schema.Target{Module: owner, Handler: "review_anomaly"})
	}
	return a.publish(ctx, schema.EventTypeAIAnomalyDetected, schema.ChannelAI, data,
		a.source(actor, anomaly.EntityType, anomaly.EntityID),
		eventbus.WithPriority(priority),
		eventbus.WithTargets(targets...))
}

// PredictionReady publishes a finished model run.
func (a *AI) PredictionReady(ctx context.Context, actor Actor, prediction Prediction) (string, error) {
	if strings.TrimSpace(prediction.ID) == "" || strings.TrimSpace(prediction.Model) == "" {
		return "", errs.New("publishers/ai", errs.CodeInvalid, errs.WithMessage("prediction id and model required"))
	}
	if prediction.Confidence < 0 || prediction.Confidence > 1 {
		return "", errs.New("publishers/ai", errs.CodeInvalid, errs.WithMessage("confidence must be within [0,1]"))
	}
	data := map[string]any{
		"predictionId": prediction.ID,
		"model":        prediction.Model,
		"confidence":   prediction.Confidence,
		"result":       schema.CloneData(prediction.Result),
	}
	setIfPresent(data, "modelVersion", prediction.ModelVersion)
	if prediction.HorizonMonths > 0 {
		data["horizonMonths"] = prediction.HorizonMonths
	}
	return a.publish(ctx, schema.EventTypeAIPredictionReady, schema.ChannelAI, data,
		a.source(actor, prediction.EntityType, prediction.EntityID))
}
