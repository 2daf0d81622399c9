// internal/backendtest/server.go
//
// Package backendtest is an in-process stand-in for the monitoring
// backend, used by integration tests. It speaks the same REST and push
// interfaces as the real service: bearer-token auth, snapshot endpoints,
// acknowledge and simulation commands, and a websocket push channel.
package backendtest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"energy-monitor/internal/data"
)

const (
	jwtSecret = "backendtest-secret"
	jwtIssuer = "energy-monitor-backendtest"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type user struct {
	passwordHash []byte
	role         string
}

// Server is the fake backend. Fixture mutators and failure knobs are safe
// to call concurrently with request handling.
type Server struct {
	httpSrv *httptest.Server

	mu       sync.Mutex
	users    map[string]user
	devices  []data.Device
	readings []data.SensorReading // newest first
	alerts   []data.Alert         // newest first
	summary  data.DashboardSummary

	simulationRunning bool

	// RejectAll makes every authorized endpoint return 401, simulating
	// token revocation.
	rejectAll bool
	// failAcks makes acknowledge confirmations return 500.
	failAcks bool

	conns map[*websocket.Conn]struct{}
}

// New starts a fake backend with the standard demo fixtures: an admin, a
// manager and a viewer account, plus a couple of devices.
func New() *Server {
	s := &Server{
		users: map[string]user{},
		conns: map[*websocket.Conn]struct{}{},
		summary: data.DashboardSummary{
			SystemStatus: "operational",
		},
	}
	s.AddUser("admin", "admin123", data.RoleAdmin)
	s.AddUser("manager1", "manager123", data.RoleManager)
	s.AddUser("viewer1", "viewer123", data.RoleViewer)

	s.httpSrv = httptest.NewServer(s.router())
	return s
}

// URL returns the base URL clients should point at.
func (s *Server) URL() string {
	return s.httpSrv.URL
}

// Close shuts the server and all push connections down.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.conns = map[*websocket.Conn]struct{}{}
	s.mu.Unlock()
	s.httpSrv.Close()
}

// --- fixtures and knobs ---

func (s *Server) AddUser(username, password, role string) {
	// MinCost keeps test startup fast; these are throwaway fixtures.
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.users[username] = user{passwordHash: hash, role: role}
	s.mu.Unlock()
}

func (s *Server) SetDevices(devices []data.Device) {
	s.mu.Lock()
	s.devices = devices
	s.summary.DeviceCount = len(devices)
	s.mu.Unlock()
}

// SetReadings installs the snapshot readings, newest first.
func (s *Server) SetReadings(readings []data.SensorReading) {
	s.mu.Lock()
	s.readings = readings
	s.mu.Unlock()
}

// SetAlerts installs the snapshot alerts, newest first.
func (s *Server) SetAlerts(alerts []data.Alert) {
	s.mu.Lock()
	s.alerts = alerts
	n := 0
	for _, a := range alerts {
		if !a.Acknowledged {
			n++
		}
	}
	s.summary.ActiveAlerts = n
	s.mu.Unlock()
}

func (s *Server) SetSummary(summary data.DashboardSummary) {
	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()
}

func (s *Server) SetRejectAll(reject bool) {
	s.mu.Lock()
	s.rejectAll = reject
	s.mu.Unlock()
}

func (s *Server) SetFailAcks(fail bool) {
	s.mu.Lock()
	s.failAcks = fail
	s.mu.Unlock()
}

func (s *Server) SimulationRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.simulationRunning
}

// Acknowledged reports whether the alert with the given id has been
// acknowledged server-side.
func (s *Server) Acknowledged(alertID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == alertID {
			return a.Acknowledged
		}
	}
	return false
}

// --- push channel ---

// PushReading broadcasts one sensor_reading event to all subscribers.
func (s *Server) PushReading(r data.SensorReading) {
	s.broadcast("sensor_reading", r)
}

// PushAlerts broadcasts an alert batch event to all subscribers.
func (s *Server) PushAlerts(batch []data.Alert) {
	s.broadcast("alert", batch)
}

// WaitSubscribed blocks until at least one push subscriber is connected.
func (s *Server) WaitSubscribed(ctx context.Context) bool {
	for {
		s.mu.Lock()
		n := len(s.conns)
		s.mu.Unlock()
		if n > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *Server) broadcast(eventType string, payload interface{}) {
	message, err := json.Marshal(map[string]interface{}{
		"type": eventType,
		"data": payload,
	})
	if err != nil {
		panic(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
			c.Close()
			delete(s.conns, c)
		}
	}
}

// --- HTTP surface ---

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/auth/login", s.handleLogin)
	r.Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.bearerMiddleware)
		r.Get("/api/dashboard/summary", s.handleSummary)
		r.Get("/api/devices", s.handleDevices)
		r.Get("/api/alerts", s.handleAlerts)
		r.Get("/api/metrics", s.handleMetrics)
		r.Post("/api/alerts/acknowledge", s.handleAcknowledge)
		r.Post("/api/simulation/start", s.requireRole(s.handleSimulation(true), data.RoleAdmin, data.RoleManager))
		r.Post("/api/simulation/stop", s.requireRole(s.handleSimulation(false), data.RoleAdmin, data.RoleManager))
	})

	return r
}

type claims struct {
	jwt.StandardClaims
	Role string `json:"role"`
}

func (s *Server) issueToken(username, role string) string {
	now := time.Now()
	c := &claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   username,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(30 * time.Minute).Unix(),
			Issuer:    jwtIssuer,
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		panic(err)
	}
	return signed
}

func (s *Server) validateToken(tokenString string) (*claims, error) {
	c := &claims{}
	token, err := jwt.ParseWithClaims(tokenString, c, func(t *jwt.Token) (interface{}, error) {
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.NewValidationError("invalid token", jwt.ValidationErrorClaimsInvalid)
	}
	return c, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	u, ok := s.users[body.Username]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(body.Password)) != nil {
		http.Error(w, "incorrect username or password", http.StatusUnauthorized)
		return
	}

	writeJSON(w, map[string]string{
		"access_token": s.issueToken(body.Username, u.role),
		"token_type":   "bearer",
		"role":         u.role,
		"username":     body.Username,
	})
}

func (s *Server) bearerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		reject := s.rejectAll
		s.mu.Unlock()
		if reject {
			http.Error(w, "token revoked", http.StatusUnauthorized)
			return
		}

		c, err := s.authorize(r)
		if err != nil {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), c)))
	})
}

func (s *Server) authorize(r *http.Request) (*claims, error) {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, jwt.NewValidationError("missing bearer token", jwt.ValidationErrorMalformed)
	}
	return s.validateToken(parts[1])
}

func (s *Server) requireRole(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := claimsFrom(r.Context())
		for _, role := range roles {
			if c != nil && c.Role == role {
				next(w, r)
				return
			}
		}
		http.Error(w, "not enough permissions", http.StatusForbidden)
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	summary := s.summary
	s.mu.Unlock()
	writeJSON(w, summary)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	devices := append([]data.Device(nil), s.devices...)
	s.mu.Unlock()
	writeJSON(w, devices)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	wantAcked := r.URL.Query().Get("acknowledged")

	s.mu.Lock()
	out := make([]data.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if wantAcked == "false" && a.Acknowledged {
			continue
		}
		if wantAcked == "true" && !a.Acknowledged {
			continue
		}
		out = append(out, a)
	}
	s.mu.Unlock()
	writeJSON(w, out)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	readings := append([]data.SensorReading(nil), s.readings...)
	s.mu.Unlock()
	writeJSON(w, readings)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AlertID string `json:"alert_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.failAcks {
		s.mu.Unlock()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	found := false
	for i := range s.alerts {
		if s.alerts[i].ID == body.AlertID {
			s.alerts[i].Acknowledged = true
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		http.Error(w, "alert not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"message": "Alert acknowledged"})
}

func (s *Server) handleSimulation(start bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.simulationRunning = start
		s.mu.Unlock()
		writeJSON(w, map[string]string{"message": "ok"})
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authorize(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	// Drain control frames; the channel is server-to-client only.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

// NewReading builds a reading fixture with a fresh id and timestamp.
func NewReading(deviceID string, powerKW float64) data.SensorReading {
	return data.SensorReading{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		Timestamp:    time.Now().UTC(),
		PowerKW:      powerKW,
		TemperatureC: 65,
		Vibration:    2.5,
		RuntimeHours: 8,
	}
}

// NewAlert builds an alert fixture with a fresh id and timestamp.
func NewAlert(deviceID, severity, message string) data.Alert {
	return data.Alert{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		AlertType: "threshold_exceeded",
		Metric:    "power_kw",
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

type ctxKey int

const claimsKey ctxKey = 1

func withClaims(ctx context.Context, c *claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func claimsFrom(ctx context.Context) *claims {
	c, _ := ctx.Value(claimsKey).(*claims)
	return c
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
