package models

import (
	"math"
	"time"
)

type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Sensor struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	AreaID    string   `json:"areaId,omitempty"`
	StreamURL string   `json:"streamUrl,omitempty"`
}

// Coordinate returns the sensor location when both axes are present, finite
// and in range.
func (s Sensor) Coordinate() (Coordinate, bool) {
	return ValidCoordinate(s.Latitude, s.Longitude)
}

// SensorSummary is the denormalised sensor block carried on alert events.
type SensorSummary struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type,omitempty"`
	AreaName  string   `json:"areaName,omitempty"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	StreamURL string   `json:"streamUrl,omitempty"`
}

type Alert struct {
	ID        string         `json:"id"`
	SensorID  string         `json:"sensorId"`
	Message   string         `json:"message"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	Sensor    *SensorSummary `json:"sensor,omitempty"`
}

type AlertResolved struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type Drone struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type DronePosition struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (p DronePosition) Coordinate() Coordinate {
	return Coordinate{Latitude: p.Latitude, Longitude: p.Longitude}
}

type TelemetrySample struct {
	DroneID   string    `json:"droneId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s TelemetrySample) Position() DronePosition {
	return DronePosition{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Altitude:  s.Altitude,
		Timestamp: s.Timestamp,
	}
}

type Liveness string

const (
	LivenessLive  Liveness = "live"
	LivenessStale Liveness = "stale"
	LivenessLost  Liveness = "lost"
)

type DroneStatus struct {
	DroneID            string     `json:"droneId"`
	State              Liveness   `json:"state"`
	IsLive             bool       `json:"isLive"`
	IsStale            bool       `json:"isStale"`
	HasAlert           bool       `json:"hasAlert"`
	LastUpdateTime     time.Time  `json:"lastUpdateTime"`
	ConnectionLossTime *time.Time `json:"connectionLossTime,omitempty"`
}

type ActiveMission struct {
	DroneID   string     `json:"droneId"`
	AlertID   string     `json:"alertId"`
	SensorID  string     `json:"sensorId"`
	FlightID  string     `json:"flightId,omitempty"`
	Target    Coordinate `json:"target"`
	StartedAt time.Time  `json:"startedAt"`
}

const (
	OfflineMapStatusPending    = "pending"
	OfflineMapStatusInProgress = "in_progress"
	OfflineMapStatusCompleted  = "completed"
	OfflineMapStatusFailed     = "failed"
)

type OfflineMap struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress"`
	Active    bool      `json:"active"`
	MinZoom   int       `json:"minZoom,omitempty"`
	MaxZoom   int       `json:"maxZoom,omitempty"`
	Bounds    []float64 `json:"bounds,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

type OfflineMapPage struct {
	Items []OfflineMap `json:"items"`
	Total int          `json:"total"`
}

type OfflineMapQuery struct {
	Page     int
	PageSize int
	Status   string
}

type OfflineMapCreate struct {
	Name    string    `json:"name"`
	MinZoom int       `json:"minZoom"`
	MaxZoom int       `json:"maxZoom"`
	Bounds  []float64 `json:"bounds"`
}

func ValidCoordinate(lat *float64, lng *float64) (Coordinate, bool) {
	if lat == nil || lng == nil {
		return Coordinate{}, false
	}
	la, lo := *lat, *lng
	if math.IsNaN(la) || math.IsNaN(lo) || math.IsInf(la, 0) || math.IsInf(lo, 0) {
		return Coordinate{}, false
	}
	if la < -90 || la > 90 || lo < -180 || lo > 180 {
		return Coordinate{}, false
	}
	return Coordinate{Latitude: la, Longitude: lo}, true
}
