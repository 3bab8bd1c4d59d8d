package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/devforge/internal/spec"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("db: record not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the record's current status.
	ErrInvalidTransition = errors.New("db: invalid status transition")
)

// Store wraps the GORM handle with the narrow operations the control plane
// uses. Server mutations are field scoped so concurrent writers never
// overwrite each other's columns.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore returns a Store on an already migrated database.
func NewStore(gormDB *gorm.DB) *Store {
	return &Store{db: gormDB, now: func() time.Time { return time.Now().UTC() }}
}

// ServerPatch lists the server columns a caller wants to change. Nil fields
// are left alone.
type ServerPatch struct {
	MachineID  *string
	PublicIP   *string
	MeshName   *string
	MeshDomain *string
	MeshIP     *string
	Agents     *[]spec.Agent
	Username   *string
	Password   *string
}

// UserPatch lists the user columns a caller wants to change.
type UserPatch struct {
	ProviderAPIKey    *string
	ProviderProjectID *string
	MeshAPIKey        *string
	MeshNetwork       *string
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// GetOrCreateUser returns the user with externalID, inserting it first if
// this is the first time the identity is seen.
func (s *Store) GetOrCreateUser(ctx context.Context, externalID, email, name string) (*User, error) {
	user := User{
		ExternalID: externalID,
		Email:      email,
		Name:       name,
		Plan:       "free",
		CreatedAt:  s.now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(&user).Error
	if err != nil {
		return nil, fmt.Errorf("db: creating user: %w", err)
	}
	return s.GetUserByExternalID(ctx, externalID)
}

// GetUserByExternalID looks a user up by identity subject.
func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "external_id = ?", externalID).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// GetUser looks a user up by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// PatchUser updates the given user columns.
func (s *Store) PatchUser(ctx context.Context, id string, patch UserPatch) error {
	updates := map[string]interface{}{}
	if patch.ProviderAPIKey != nil {
		updates["provider_api_key"] = *patch.ProviderAPIKey
	}
	if patch.ProviderProjectID != nil {
		updates["provider_project_id"] = *patch.ProviderProjectID
	}
	if patch.MeshAPIKey != nil {
		updates["mesh_api_key"] = *patch.MeshAPIKey
	}
	if patch.MeshNetwork != nil {
		updates["mesh_network"] = *patch.MeshNetwork
	}
	if len(updates) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("db: updating user %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateServer inserts a new server record.
func (s *Store) CreateServer(ctx context.Context, server *Server) error {
	if server.CreatedAt.IsZero() {
		server.CreatedAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(server).Error; err != nil {
		return fmt.Errorf("db: creating server: %w", err)
	}
	return nil
}

// GetServer loads a server by id.
func (s *Store) GetServer(ctx context.Context, id string) (*Server, error) {
	var server Server
	if err := s.db.WithContext(ctx).First(&server, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &server, nil
}

// ListServersByUser returns every server owned by userID, newest first.
func (s *Store) ListServersByUser(ctx context.Context, userID string) ([]Server, error) {
	var servers []Server
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc").Find(&servers).Error
	if err != nil {
		return nil, fmt.Errorf("db: listing servers of %s: %w", userID, err)
	}
	return servers, nil
}

// ListServersByStatus returns every server currently in status.
func (s *Store) ListServersByStatus(ctx context.Context, status spec.Status) ([]Server, error) {
	var servers []Server
	if err := s.db.WithContext(ctx).Where("status = ?", string(status)).Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("db: listing %s servers: %w", status, err)
	}
	return servers, nil
}

// PatchServer updates only the columns set in patch.
func (s *Store) PatchServer(ctx context.Context, id string, patch ServerPatch) error {
	updates := map[string]interface{}{}
	if patch.MachineID != nil {
		updates["machine_id"] = *patch.MachineID
	}
	if patch.PublicIP != nil {
		updates["public_ip"] = *patch.PublicIP
	}
	if patch.MeshName != nil {
		updates["mesh_name"] = *patch.MeshName
	}
	if patch.MeshDomain != nil {
		updates["mesh_domain"] = *patch.MeshDomain
	}
	if patch.MeshIP != nil {
		updates["mesh_ip"] = *patch.MeshIP
	}
	if patch.Agents != nil {
		agents, err := spec.NormalizeAgents(*patch.Agents)
		if err != nil {
			return err
		}
		// Same encoding the json serializer uses for the column.
		encoded, err := json.Marshal(agents)
		if err != nil {
			return fmt.Errorf("db: encoding agents: %w", err)
		}
		updates["agents"] = string(encoded)
	}
	if patch.Username != nil {
		updates["username"] = *patch.Username
	}
	if patch.Password != nil {
		updates["password"] = *patch.Password
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = s.now()

	result := s.db.WithContext(ctx).Model(&Server{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("db: patching server %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus moves a server to status to if its current status is an
// allowed predecessor. The check and the write are one statement, so a
// record that has entered deleting can never be moved back.
func (s *Store) TransitionStatus(ctx context.Context, id string, to spec.Status, message string) error {
	from := make([]string, 0, len(spec.Predecessors(to)))
	for _, st := range spec.Predecessors(to) {
		from = append(from, string(st))
	}
	result := s.db.WithContext(ctx).Model(&Server{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{
			"status":         string(to),
			"status_message": message,
			"updated_at":     s.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("db: updating status of %s: %w", id, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	current, err := s.GetServer(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
}

// UpdateHealth records a health check result. It never touches status.
func (s *Store) UpdateHealth(ctx context.Context, id string, health spec.Health, checkedAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&Server{}).Where("id = ?", id).Updates(map[string]interface{}{
		"health_status":     string(health),
		"last_health_check": checkedAt,
	})
	if result.Error != nil {
		return fmt.Errorf("db: updating health of %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendLog inserts a provisioning log entry.
func (s *Store) AppendLog(ctx context.Context, serverID, step string, status spec.StepStatus, message string) error {
	entry := ProvisioningLog{
		ServerID:  serverID,
		Step:      step,
		Status:    status,
		Message:   message,
		Timestamp: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("db: appending log for %s: %w", serverID, err)
	}
	return nil
}

// ListLogs returns the full log history of a server in insertion order.
func (s *Store) ListLogs(ctx context.Context, serverID string) ([]ProvisioningLog, error) {
	var logs []ProvisioningLog
	if err := s.db.WithContext(ctx).Where("server_id = ?", serverID).Order("id asc").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("db: listing logs of %s: %w", serverID, err)
	}
	return logs, nil
}

// DeleteServer removes a server and all of its logs.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("server_id = ?", id).Delete(&ProvisioningLog{}).Error; err != nil {
			return fmt.Errorf("db: deleting logs of %s: %w", id, err)
		}
		result := tx.Where("id = ?", id).Delete(&Server{})
		if result.Error != nil {
			return fmt.Errorf("db: deleting server %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
