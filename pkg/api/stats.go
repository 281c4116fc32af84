package api

import "time"

// SystemStats is the JSON snapshot of one proxy environment.
type SystemStats struct {
	Timestamp      time.Time `json:"timestamp"`
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	GracefulPhase  string    `json:"graceful_phase"`
	CurrentConn    int       `json:"current_conn"`
	CurrentConnMax int       `json:"current_conn_max"`
	ConnMax        int       `json:"conn_max"`
	ConnpoolMax    int       `json:"connpool_max"`
	ConnpoolInUse  int       `json:"connpool_in_use"`
	WorkerMax      int       `json:"worker_max"`
	BusyWorkers    int       `json:"busy_workers"`
	SlowQueries    int64     `json:"slow_queries"`
}

// collectStats gathers the counters the proxy core exposes.
func (s *Server) collectStats() SystemStats {
	env := s.env

	role := "active"
	if env.RoleIsBackup() {
		role = "backup"
	}

	return SystemStats{
		Timestamp:      time.Now(),
		Name:           env.Name,
		Role:           role,
		GracefulPhase:  env.Graceful().String(),
		CurrentConn:    env.CurrentConn(),
		CurrentConnMax: env.CurrentConnMax(),
		ConnMax:        env.ConnMax,
		ConnpoolMax:    env.ConnpoolMax,
		ConnpoolInUse:  env.ConnpoolInUse(),
		WorkerMax:      env.WorkerMax,
		BusyWorkers:    env.Workers().BusyCount(),
		SlowQueries:    env.SlowLog().Count(),
	}
}
