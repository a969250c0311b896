// Package models contains filter and aggregate structures used by the repository layer.
package models

import "time"

type TaskFilter struct {
	Status string
	Type   string
	Source string
	Limit  int
}

type TaskStats struct {
	Total     int            `json:"total"`
	Pending   int            `json:"pending"`
	Running   int            `json:"running"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	ByType    map[string]int `json:"by_type"`
}

type HourlyStat struct {
	Hour          time.Time `json:"hour"`
	Status        string    `json:"status"`
	Count         int       `json:"count"`
	AvgDurationMs float64   `json:"avg_duration_ms"`
}

type InteractionFilter struct {
	Status string
	Type   string
	Limit  int
}

type InteractionStats struct {
	Total    int            `json:"total"`
	Pending  int            `json:"pending"`
	Answered int            `json:"answered"`
	Rejected int            `json:"rejected"`
	ByType   map[string]int `json:"by_type"`
}

const DefaultListLimit = 50

// EffectiveLimit clamps a requested page size to [1, 500], defaulting to DefaultListLimit.
func EffectiveLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > 500:
		return 500
	default:
		return limit
	}
}
