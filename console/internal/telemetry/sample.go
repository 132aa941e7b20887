// Package telemetry feeds drone position samples into the liveness tracker
// from Kafka or MQTT, and forwards MQTT samples onto Kafka for the bridge.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"drone-surveillance-console/console/internal/liveness"
	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/shared/logx"
	"drone-surveillance-console/shared/metricsx"
)

var ErrInvalidSample = errors.New("invalid telemetry sample")

type Observer interface {
	Observe(s models.TelemetrySample, now time.Time) (liveness.Transition, bool)
}

type wireSample struct {
	DroneID   string          `json:"droneId"`
	Latitude  *float64        `json:"latitude"`
	Longitude *float64        `json:"longitude"`
	Altitude  *float64        `json:"altitude"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// DecodeSample parses a sample body. The timestamp may be RFC 3339 or epoch
// milliseconds; a missing one is left zero and stamped on arrival.
func DecodeSample(raw []byte) (models.TelemetrySample, error) {
	var w wireSample
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.TelemetrySample{}, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	c, ok := models.ValidCoordinate(w.Latitude, w.Longitude)
	if !ok {
		return models.TelemetrySample{}, fmt.Errorf("%w: latitude/longitude missing or out of range", ErrInvalidSample)
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return models.TelemetrySample{}, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	return models.TelemetrySample{
		DroneID:   strings.TrimSpace(w.DroneID),
		Latitude:  c.Latitude,
		Longitude: c.Longitude,
		Altitude:  w.Altitude,
		Timestamp: ts,
	}, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return t.UTC(), nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Sink applies samples to the tracker using the local arrival clock.
type Sink struct {
	tracker Observer
	clock   func() time.Time
	logger  logx.Logger

	OnSample     func(models.TelemetrySample)
	OnTransition func(liveness.Transition)
}

func NewSink(tracker Observer, clock func() time.Time, logger logx.Logger) *Sink {
	if clock == nil {
		clock = time.Now
	}
	return &Sink{
		tracker: tracker,
		clock:   clock,
		logger:  logger.With(slog.String("component", "telemetry")),
	}
}

func (s *Sink) Sample(ctx context.Context, source string, sample models.TelemetrySample) error {
	if sample.DroneID == "" {
		return fmt.Errorf("%w: droneId is required", ErrInvalidSample)
	}
	metricsx.IncTelemetrySample(source)
	tr, changed := s.tracker.Observe(sample, s.clock())
	if s.OnSample != nil {
		s.OnSample(sample)
	}
	if changed {
		s.logger.Info(ctx, "drone_liveness_changed", "drone reporting again",
			slog.String("drone_id", tr.DroneID),
			slog.String("from", string(tr.From)),
			slog.String("to", string(tr.To)),
		)
		if s.OnTransition != nil {
			s.OnTransition(tr)
		}
	}
	return nil
}
