package functions

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/domain"
	"github.com/yairfalse/eventpipe/pkg/metrics"
	"github.com/yairfalse/eventpipe/pkg/validation"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "eventpipe-functions"

// maxBodyBytes bounds request bodies read by the HTTP triggers.
const maxBodyBytes = 1 << 20

// ProcessEventResponse is returned by POST /api/process-event.
type ProcessEventResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	EventID     string `json:"eventId"`
	ProcessedAt string `json:"processedAt"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
}

// HelloResponse is returned by /api/HttpTrigger.
type HelloResponse struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ErrorResponse is the body of every 4xx and 5xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HTTPTriggers serves the HTTP-triggered functions.
type HTTPTriggers struct {
	sink      DocumentSink
	validator *validation.Validator
	metrics   *metrics.Collector
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewHTTPTriggers creates the HTTP triggers. gatherer backs /metrics and
// may be nil to leave that route out.
func NewHTTPTriggers(sink DocumentSink, validator *validation.Validator, collector *metrics.Collector, gatherer prometheus.Gatherer, logger *zap.Logger) (*HTTPTriggers, error) {
	if sink == nil {
		return nil, fmt.Errorf("document sink cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if validator == nil {
		validator = validation.NewValidator()
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &HTTPTriggers{
		sink:      sink,
		validator: validator,
		metrics:   collector,
		gatherer:  gatherer,
		logger:    logger,
		tracer:    tracer(),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register binds the HTTP routes.
func (h *HTTPTriggers) Register(r *Registry) error {
	if err := r.HTTP("/api/process-event", h.ProcessEvent, http.MethodPost); err != nil {
		return err
	}
	if err := r.HTTP("/api/HttpTrigger", h.Hello, http.MethodGet, http.MethodPost); err != nil {
		return err
	}
	if err := r.HTTP("/api/health", h.Health, http.MethodGet); err != nil {
		return err
	}
	if h.gatherer != nil {
		metricsHandler := promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})
		if err := r.HTTP("/metrics", metricsHandler.ServeHTTP, http.MethodGet); err != nil {
			return err
		}
	}
	return nil
}

// ProcessEvent validates one event, stores it as a document and answers
// with the event id.
func (h *HTTPTriggers) ProcessEvent(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "functions.process_event")
	defer span.End()

	h.logger.Info("HTTP trigger function processing request")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Request body is required")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "Request body is required")
		return
	}

	var event domain.Event
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("Invalid JSON in request body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if len(event) == 0 {
		writeError(w, http.StatusBadRequest, "Request body is required")
		return
	}
	h.metrics.Inc(metrics.EventsReceived)

	if !event.Has(domain.FieldID) || !event.Has(domain.FieldDeviceID) {
		h.metrics.Inc(metrics.EventsFailed)
		writeError(w, http.StatusBadRequest, "Missing required fields: id, deviceId")
		return
	}
	if id, ok := event[domain.FieldID].(string); !ok || id == "" {
		h.metrics.Inc(metrics.EventsFailed)
		writeError(w, http.StatusBadRequest, "Invalid event id")
		return
	}

	now := h.now()
	if !event.Has(domain.FieldTimestamp) {
		event[domain.FieldTimestamp] = domain.FormatTimestamp(now)
	}
	if err := h.validator.Validate(event); err != nil {
		h.metrics.Inc(metrics.EventsFailed)
		h.logger.Warn("Event rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc := httpDocument(event, now)
	span.SetAttributes(attribute.String("event_id", doc.ID()))

	if err := h.sink.Upsert(ctx, doc); err != nil {
		h.metrics.Inc(metrics.EventsFailed)
		if RejectedRecord(err) {
			h.logger.Warn("Event rejected by document store", zap.String("event_id", doc.ID()), zap.Error(err))
			writeError(w, http.StatusBadRequest, "Invalid event id")
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error("Error processing event", zap.String("event_id", doc.ID()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.metrics.Inc(metrics.EventsProcessed)
	h.metrics.RecordLatency(domain.LatencyMs(event.Timestamp(), doc[domain.FieldProcessedAt].(string)))

	h.logger.Info("Successfully processed event",
		zap.String("event_id", doc.ID()),
		zap.String("device_id", doc.DeviceID()))

	writeJSON(w, http.StatusOK, ProcessEventResponse{
		Status:      "success",
		Message:     "Event processed successfully",
		EventID:     doc.ID(),
		ProcessedAt: doc[domain.FieldProcessedAt].(string),
	})
}

func httpDocument(event domain.Event, now time.Time) domain.Document {
	return domain.Document{
		domain.FieldID:          event[domain.FieldID],
		domain.FieldDeviceID:    event[domain.FieldDeviceID],
		domain.FieldEventType:   event.StringOr(domain.FieldEventType, "unknown"),
		domain.FieldTimestamp:   event[domain.FieldTimestamp],
		domain.FieldData:        valueOr(event, domain.FieldData, map[string]interface{}{}),
		domain.FieldLocation:    valueOr(event, domain.FieldLocation, map[string]interface{}{}),
		domain.FieldProcessedAt: domain.FormatTimestamp(now),
		domain.FieldSource:      domain.SourceHTTPTrigger,
		domain.FieldStatus:      domain.StatusProcessed,
	}
}

// Hello greets the name given as query parameter or JSON body field.
func (h *HTTPTriggers) Hello(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" && r.Body != nil {
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			h.logger.Debug("Ignoring undecodable hello body", zap.Error(err))
		}
		name = body.Name
	}

	if name == "" {
		writeError(w, http.StatusBadRequest, "Please pass a name on the query string or in the request body")
		return
	}
	writeJSON(w, http.StatusOK, HelloResponse{
		Message:   fmt.Sprintf("Hello, %s! This HTTP triggered function executed successfully.", name),
		Timestamp: domain.FormatTimestamp(h.now()),
	})
}

// Health answers the backend health probe.
func (h *HTTPTriggers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: domain.FormatTimestamp(h.now()),
		Service:   ServiceName,
	})
}

func valueOr(event domain.Event, key string, def interface{}) interface{} {
	if v, ok := event[key]; ok && v != nil {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
