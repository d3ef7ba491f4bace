package handlers

import (
	"context"
	"net/http"
	"time"

	"kilncontrol"
	"kilncontrol/internal/control"
	"kilncontrol/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service mocks shared by the handler tests ----

type mockAuth struct {
	parseID  int
	parseErr error
}

func (m *mockAuth) SignUp(username, password string) (int, error) { return 1, nil }
func (m *mockAuth) GenerateToken(username, password string) (string, error) {
	return "token", nil
}
func (m *mockAuth) ParseToken(accessToken string) (int, error) {
	if accessToken != "valid" {
		return 0, service.ErrInvalidToken
	}
	return m.parseID, m.parseErr
}

type mockMonitoring struct {
	status kilncontrol.Status
	err    error
}

func (m *mockMonitoring) GetStatus(_ context.Context) (kilncontrol.Status, error) {
	return m.status, m.err
}

type mockKiln struct {
	startCalled    int
	stopCalled     int
	loadCalled     int
	loadByIDCalled int
	autotuneCalled int
	resetCalled    int

	lastSteps []kilncontrol.Step
	lastDelay time.Duration
	lastGains kilncontrol.Gains

	err error
}

func (m *mockKiln) LoadSchedule(_ context.Context, steps []kilncontrol.Step, delay time.Duration) error {
	m.loadCalled++
	m.lastSteps = steps
	m.lastDelay = delay
	return m.err
}
func (m *mockKiln) LoadScheduleByID(_ context.Context, id string, delay time.Duration) error {
	m.loadByIDCalled++
	m.lastDelay = delay
	return m.err
}
func (m *mockKiln) Start(_ context.Context) error { m.startCalled++; return m.err }
func (m *mockKiln) Stop(_ context.Context) error  { m.stopCalled++; return m.err }
func (m *mockKiln) StartAutotune(_ context.Context, _ control.AutotuneParams) error {
	m.autotuneCalled++
	return m.err
}
func (m *mockKiln) SetGains(_ context.Context, g kilncontrol.Gains) error {
	m.lastGains = g
	return m.err
}
func (m *mockKiln) SetCalibration(_ context.Context, _ float64) error { return m.err }
func (m *mockKiln) SetManualSetpoint(_ context.Context, _ float64) error {
	return m.err
}
func (m *mockKiln) ResetError(_ context.Context) error { m.resetCalled++; return m.err }

type mockSchedules struct {
	schedules map[string]kilncontrol.Schedule
	err       error
}

func (m *mockSchedules) Save(_ context.Context, s kilncontrol.Schedule) (kilncontrol.Schedule, error) {
	if m.err != nil {
		return kilncontrol.Schedule{}, m.err
	}
	if s.ID == "" {
		s.ID = "generated"
	}
	return s, nil
}
func (m *mockSchedules) Get(_ context.Context, id string) (kilncontrol.Schedule, error) {
	if s, ok := m.schedules[id]; ok {
		return s, nil
	}
	return kilncontrol.Schedule{}, m.err
}
func (m *mockSchedules) List(_ context.Context) ([]kilncontrol.Schedule, error) {
	out := make([]kilncontrol.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	return out, m.err
}
func (m *mockSchedules) Delete(_ context.Context, id string) error { return m.err }

type mockEventLog struct {
	events []kilncontrol.Event
	err    error
}

func (m *mockEventLog) List(_ context.Context, _ service.LogFilter) ([]kilncontrol.Event, error) {
	return m.events, m.err
}

func newTestRouter(s *service.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(s, nil)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}
