package service

import (
	"context"

	"kilncontrol"
)

// MonitoringService serves the latest status snapshot published by the
// control loop. Reads never touch the database: the supervisor keeps the
// snapshot in memory and this service only hands it out.
type MonitoringService struct {
	sup Supervisor
}

func NewMonitoringService(sup Supervisor) *MonitoringService {
	return &MonitoringService{sup: sup}
}

// GetStatus returns the most recent snapshot. The error return exists for
// interface symmetry with the other services; it is always nil today.
func (s *MonitoringService) GetStatus(_ context.Context) (kilncontrol.Status, error) {
	return s.sup.Latest(), nil
}
