package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type Hub struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Location  string     `json:"location,omitempty"`
	LastPing  *time.Time `json:"last_ping,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Camera is a monitored video source hanging off a hub. Health fields are
// refreshed by the inspection worker.
type Camera struct {
	ID                   uuid.UUID  `json:"id"`
	HubID                uuid.UUID  `json:"hub_id"`
	Name                 string     `json:"name"`
	URL                  string     `json:"url"`
	Status               string     `json:"status"`
	BaselineImagePath    string     `json:"baseline_image_path,omitempty"`
	BaselineUpdatedAt    *time.Time `json:"baseline_updated_at,omitempty"`
	ViewChangeDetected   bool       `json:"view_change_detected"`
	ViewChangeDetectedAt *time.Time `json:"view_change_detected_at,omitempty"`
	LastHealthCheck      *time.Time `json:"last_health_check,omitempty"`
	CurrentStatus        string     `json:"current_status"`
	HealthScore          *float64   `json:"health_score,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

type CameraRepository interface {
	CreateHub(ctx context.Context, h *Hub) error
	ListHubs(ctx context.Context) ([]*Hub, error)
	TouchHub(ctx context.Context, id uuid.UUID) error
	CreateCamera(ctx context.Context, c *Camera) error
	GetCamera(ctx context.Context, id uuid.UUID) (*Camera, error)
	ListCameras(ctx context.Context) ([]*Camera, error)
	ListCamerasByHub(ctx context.Context, hubID uuid.UUID) ([]*Camera, error)
	UpdateCameraHealth(ctx context.Context, id uuid.UUID, status string, score float64, checkedAt time.Time) error
	SetBaseline(ctx context.Context, id uuid.UUID, path string) error
	SetViewChange(ctx context.Context, id uuid.UUID, changed bool) error
}

type CameraModel struct {
	DB DBTX
}

func (m CameraModel) CreateHub(ctx context.Context, h *Hub) error {
	query := `
		INSERT INTO hubs (name, status, location)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	return m.DB.QueryRowContext(ctx, query, h.Name, h.Status, h.Location).Scan(&h.ID, &h.CreatedAt)
}

func (m CameraModel) ListHubs(ctx context.Context) ([]*Hub, error) {
	query := `
		SELECT id, name, status, COALESCE(location, ''), last_ping, created_at
		FROM hubs
		ORDER BY created_at
	`
	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Hub
	for rows.Next() {
		var h Hub
		if err := rows.Scan(&h.ID, &h.Name, &h.Status, &h.Location, &h.LastPing, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (m CameraModel) TouchHub(ctx context.Context, id uuid.UUID) error {
	res, err := m.DB.ExecContext(ctx, `UPDATE hubs SET last_ping = NOW(), status = 'online' WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

const cameraColumns = `id, hub_id, name, url, status, COALESCE(baseline_image_path, ''), baseline_updated_at,
	view_change_detected, view_change_detected_at, last_health_check, current_status, health_score,
	created_at, updated_at`

func scanCamera(row interface{ Scan(...interface{}) error }) (*Camera, error) {
	var c Camera
	err := row.Scan(
		&c.ID, &c.HubID, &c.Name, &c.URL, &c.Status, &c.BaselineImagePath, &c.BaselineUpdatedAt,
		&c.ViewChangeDetected, &c.ViewChangeDetectedAt, &c.LastHealthCheck, &c.CurrentStatus, &c.HealthScore,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (m CameraModel) CreateCamera(ctx context.Context, c *Camera) error {
	query := `
		INSERT INTO cameras (hub_id, name, url, status, current_status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	return m.DB.QueryRowContext(ctx, query, c.HubID, c.Name, c.URL, c.Status, c.CurrentStatus).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (m CameraModel) GetCamera(ctx context.Context, id uuid.UUID) (*Camera, error) {
	c, err := scanCamera(m.DB.QueryRowContext(ctx, `SELECT `+cameraColumns+` FROM cameras WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return c, nil
}

func (m CameraModel) ListCameras(ctx context.Context) ([]*Camera, error) {
	return m.listWith(ctx, `SELECT `+cameraColumns+` FROM cameras ORDER BY created_at`)
}

func (m CameraModel) ListCamerasByHub(ctx context.Context, hubID uuid.UUID) ([]*Camera, error) {
	return m.listWith(ctx, `SELECT `+cameraColumns+` FROM cameras WHERE hub_id = $1 ORDER BY created_at`, hubID)
}

func (m CameraModel) listWith(ctx context.Context, query string, args ...interface{}) ([]*Camera, error) {
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Camera
	for rows.Next() {
		c, err := scanCamera(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (m CameraModel) UpdateCameraHealth(ctx context.Context, id uuid.UUID, status string, score float64, checkedAt time.Time) error {
	query := `
		UPDATE cameras
		SET current_status = $1, health_score = $2, last_health_check = $3, updated_at = NOW()
		WHERE id = $4
	`
	res, err := m.DB.ExecContext(ctx, query, status, score, checkedAt, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m CameraModel) SetBaseline(ctx context.Context, id uuid.UUID, path string) error {
	query := `
		UPDATE cameras
		SET baseline_image_path = $1, baseline_updated_at = NOW(),
		    view_change_detected = FALSE, view_change_detected_at = NULL, updated_at = NOW()
		WHERE id = $2
	`
	res, err := m.DB.ExecContext(ctx, query, path, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m CameraModel) SetViewChange(ctx context.Context, id uuid.UUID, changed bool) error {
	var query string
	if changed {
		query = `UPDATE cameras SET view_change_detected = TRUE, view_change_detected_at = NOW(), updated_at = NOW() WHERE id = $1`
	} else {
		query = `UPDATE cameras SET view_change_detected = FALSE, updated_at = NOW() WHERE id = $1`
	}
	res, err := m.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}
