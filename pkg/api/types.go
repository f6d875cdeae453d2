package api

import (
	"time"

	"github.com/binwatch/binwatch/pkg/realtime"
)

type ListBinsResponse struct {
	Bins  []*realtime.BinRecord `json:"bins"`
	Count int                   `json:"count"`
	Query string                `json:"query,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type RealtimeStatusResponse struct {
	ConnectedUsers   int `json:"connected_users"`
	TotalConnections int `json:"total_connections"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}
