// Package postgres implements the task store (C6) described in spec.md
// §4.6 against PostgreSQL, following the CRUD idiom of the teacher's own
// postgres store: raw database/sql, $N placeholders, uuid.NewString() on
// insert, sql.ErrNoRows on a zero-row update.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dstack-verify/attestor/internal/domain"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
	"github.com/dstack-verify/attestor/internal/store"
)

// Store implements store.AppStore, store.ProfileStore and store.TaskStore
// backed by a single PostgreSQL database.
type Store struct {
	db *sql.DB
}

var _ store.AppStore = (*Store)(nil)
var _ store.ProfileStore = (*Store)(nil)
var _ store.TaskStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- AppStore ---------------------------------------------------------

func (s *Store) UpsertApp(ctx context.Context, app domain.Application) (domain.Application, error) {
	now := time.Now().UTC()
	app.UpdatedAt = now
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO apps (
			id, profile_id, display_name, app_config_type, contract_address,
			domain_or_model, base_image, dstack_version, workspace_id, creator_id,
			username, email, custom_user, is_public, deleted,
			created_at, updated_at, last_synced_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			profile_id = EXCLUDED.profile_id,
			display_name = EXCLUDED.display_name,
			app_config_type = EXCLUDED.app_config_type,
			contract_address = EXCLUDED.contract_address,
			domain_or_model = EXCLUDED.domain_or_model,
			base_image = EXCLUDED.base_image,
			dstack_version = EXCLUDED.dstack_version,
			workspace_id = EXCLUDED.workspace_id,
			creator_id = EXCLUDED.creator_id,
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			custom_user = EXCLUDED.custom_user,
			is_public = EXCLUDED.is_public,
			deleted = EXCLUDED.deleted,
			updated_at = EXCLUDED.updated_at,
			last_synced_at = EXCLUDED.last_synced_at
	`, app.ID, toNullInt64(app.ProfileID), app.DisplayName, app.AppConfigType, app.ContractAddress,
		app.DomainOrModel, app.BaseImage, app.DstackVersion, toNullInt64(app.WorkspaceID), toNullInt64(app.CreatorID),
		app.Username, app.Email, app.CustomUser, app.IsPublic, app.Deleted,
		app.CreatedAt, app.UpdatedAt, toNullTime(app.LastSyncedAt))
	if err != nil {
		return domain.Application{}, apperr.DatabaseError("UpsertApp", err)
	}
	return app, nil
}

func (s *Store) GetApp(ctx context.Context, id string) (domain.Application, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, profile_id, display_name, app_config_type, contract_address,
			domain_or_model, base_image, dstack_version, workspace_id, creator_id,
			username, email, custom_user, is_public, deleted,
			created_at, updated_at, last_synced_at
		FROM apps
		WHERE id = $1
	`, id)

	app, err := scanApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Application{}, apperr.AppNotFound(id)
	}
	if err != nil {
		return domain.Application{}, apperr.DatabaseError("GetApp", err)
	}
	return app, nil
}

func (s *Store) ListApps(ctx context.Context) ([]domain.Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, display_name, app_config_type, contract_address,
			domain_or_model, base_image, dstack_version, workspace_id, creator_id,
			username, email, custom_user, is_public, deleted,
			created_at, updated_at, last_synced_at
		FROM apps
		ORDER BY created_at
	`)
	if err != nil {
		return nil, apperr.DatabaseError("ListApps", err)
	}
	defer rows.Close()

	var result []domain.Application
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, apperr.DatabaseError("ListApps", err)
		}
		result = append(result, app)
	}
	return result, rows.Err()
}

// TombstoneAppsNotIn marks every non-deleted app whose id is absent from
// keep as deleted, spec.md §4.9 step 6. An empty keep list tombstones
// every app.
func (s *Store) TombstoneAppsNotIn(ctx context.Context, keep []string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE apps
		SET deleted = TRUE, updated_at = $1
		WHERE deleted = FALSE AND NOT (id = ANY($2))
	`, time.Now().UTC(), pq.Array(keep))
	if err != nil {
		return 0, apperr.DatabaseError("TombstoneAppsNotIn", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func scanApp(scanner rowScanner) (domain.Application, error) {
	var (
		app          domain.Application
		profileID    sql.NullInt64
		workspaceID  sql.NullInt64
		creatorID    sql.NullInt64
		lastSyncedAt sql.NullTime
	)
	if err := scanner.Scan(
		&app.ID, &profileID, &app.DisplayName, &app.AppConfigType, &app.ContractAddress,
		&app.DomainOrModel, &app.BaseImage, &app.DstackVersion, &workspaceID, &creatorID,
		&app.Username, &app.Email, &app.CustomUser, &app.IsPublic, &app.Deleted,
		&app.CreatedAt, &app.UpdatedAt, &lastSyncedAt,
	); err != nil {
		return domain.Application{}, err
	}
	app.ProfileID = profileID.Int64
	app.WorkspaceID = workspaceID.Int64
	app.CreatorID = creatorID.Int64
	app.CreatedAt = app.CreatedAt.UTC()
	app.UpdatedAt = app.UpdatedAt.UTC()
	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time.UTC()
		app.LastSyncedAt = &t
	}
	return app, nil
}

// --- ProfileStore -------------------------------------------------------

func (s *Store) UpsertProfile(ctx context.Context, profile domain.Profile) (domain.Profile, error) {
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	profile.UpdatedAt = now
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (
			id, entity_type, entity_id, display_name, avatar_url,
			description, custom_domain, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			description = EXCLUDED.description,
			custom_domain = EXCLUDED.custom_domain,
			updated_at = EXCLUDED.updated_at
	`, profile.ID, profile.EntityType, profile.EntityID, profile.DisplayName, profile.AvatarURL,
		profile.Description, profile.CustomDomain, profile.CreatedAt, profile.UpdatedAt)
	if err != nil {
		return domain.Profile{}, apperr.DatabaseError("UpsertProfile", err)
	}
	return s.GetProfile(ctx, profile.EntityType, profile.EntityID)
}

func (s *Store) GetProfile(ctx context.Context, entityType domain.ProfileEntityType, entityID int64) (domain.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, display_name, avatar_url, description, custom_domain, created_at, updated_at
		FROM profiles
		WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID)

	var p domain.Profile
	if err := row.Scan(&p.ID, &p.EntityType, &p.EntityID, &p.DisplayName, &p.AvatarURL, &p.Description, &p.CustomDomain, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Profile{}, err
		}
		return domain.Profile{}, apperr.DatabaseError("GetProfile", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// --- TaskStore ----------------------------------------------------------

func (s *Store) CreateTask(ctx context.Context, task domain.VerificationTask) (domain.VerificationTask, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.JobName == "" {
		task.JobName = "verification"
	}
	task.Status = domain.TaskPending
	task.CreatedAt = time.Now().UTC()

	flagsJSON, err := json.Marshal(task.Flags)
	if err != nil {
		return domain.VerificationTask{}, apperr.Internal("marshal task flags", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verification_tasks (
			id, app_id, job_name, queue_job_id, app_metadata, flags, status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, task.ID, toNullString(task.AppID), task.JobName, toNullString(task.QueueJobID),
		nullableJSON(task.AppMetadata), flagsJSON, task.Status, task.CreatedAt)
	if err != nil {
		return domain.VerificationTask{}, apperr.DatabaseError("CreateTask", err)
	}
	return task, nil
}

func (s *Store) SetTaskJobID(ctx context.Context, id, jobID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE verification_tasks SET queue_job_id = $2 WHERE id = $1
	`, id, toNullString(jobID))
	if err != nil {
		return apperr.DatabaseError("SetTaskJobID", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.TaskNotFound(id)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, patch store.TaskPatch) (domain.VerificationTask, error) {
	existing, err := s.GetTask(ctx, id)
	if err != nil {
		return domain.VerificationTask{}, err
	}

	if domain.IsTerminal(existing.Status) {
		return domain.VerificationTask{}, apperr.TaskAlreadyTerminal(string(existing.Status))
	}
	if !domain.CanTransition(existing.Status, patch.Status) {
		return domain.VerificationTask{}, apperr.TaskInvalidState(string(existing.Status), string(patch.Status))
	}

	errorMessage := existing.ErrorMessage
	if patch.ErrorMessage != nil {
		errorMessage = *patch.ErrorMessage
	}
	blobFilename := existing.BlobFilename
	if patch.BlobFilename != nil {
		blobFilename = *patch.BlobFilename
	}
	blobKey := existing.BlobKey
	if patch.BlobKey != nil {
		blobKey = *patch.BlobKey
	}
	blobBucket := existing.BlobBucket
	if patch.BlobBucket != nil {
		blobBucket = *patch.BlobBucket
	}
	dataObjectIDs := existing.DataObjectIDs
	if patch.DataObjectIDs != nil {
		dataObjectIDs = patch.DataObjectIDs
	}
	startedAt := existing.StartedAt
	if patch.StartedAt != nil {
		startedAt = patch.StartedAt
	}
	finishedAt := existing.FinishedAt
	if patch.FinishedAt != nil {
		finishedAt = patch.FinishedAt
	}

	dataObjectIDsJSON, err := json.Marshal(dataObjectIDs)
	if err != nil {
		return domain.VerificationTask{}, apperr.Internal("marshal data object ids", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE verification_tasks
		SET status = $2, error_message = $3, blob_filename = $4, blob_key = $5, blob_bucket = $6,
			data_object_ids = $7, started_at = $8, finished_at = $9
		WHERE id = $1
	`, id, patch.Status, toNullString(errorMessage), toNullString(blobFilename), toNullString(blobKey),
		toNullString(blobBucket), dataObjectIDsJSON, toNullTime(startedAt), toNullTime(finishedAt))
	if err != nil {
		return domain.VerificationTask{}, apperr.DatabaseError("UpdateTask", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.VerificationTask{}, apperr.TaskNotFound(id)
	}

	existing.Status = patch.Status
	existing.ErrorMessage = errorMessage
	existing.BlobFilename = blobFilename
	existing.BlobKey = blobKey
	existing.BlobBucket = blobBucket
	existing.DataObjectIDs = dataObjectIDs
	existing.StartedAt = startedAt
	existing.FinishedAt = finishedAt
	return existing, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	existing, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if existing.Status == domain.TaskActive {
		return apperr.TaskInvalidState(string(existing.Status), "deleted")
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM verification_tasks WHERE id = $1`, id)
	if err != nil {
		return apperr.DatabaseError("DeleteTask", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.TaskNotFound(id)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.VerificationTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, app_id, job_name, queue_job_id, app_metadata, flags, status,
			error_message, blob_filename, blob_key, blob_bucket, data_object_ids,
			created_at, started_at, finished_at
		FROM verification_tasks
		WHERE id = $1
	`, id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VerificationTask{}, apperr.TaskNotFound(id)
	}
	if err != nil {
		return domain.VerificationTask{}, apperr.DatabaseError("GetTask", err)
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]domain.VerificationTask, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, app_id, job_name, queue_job_id, app_metadata, flags, status,
			error_message, blob_filename, blob_key, blob_bucket, data_object_ids,
			created_at, started_at, finished_at
		FROM verification_tasks
		WHERE ($1 = '' OR app_id = $1)
			AND ($2 = '' OR status::text = $2)
			AND ($3::timestamptz IS NULL OR created_at >= $3)
			AND ($4::timestamptz IS NULL OR created_at <= $4)
	`
	args := []any{filter.AppID, string(filter.Status), nullableTimePtr(filter.CreatedAfter), nullableTimePtr(filter.CreatedBefore)}

	if filter.CursorID != "" {
		query += " AND (created_at, id) < ($5, $6) ORDER BY created_at DESC, id DESC LIMIT $7"
		args = append(args, filter.CursorCreatedAt, filter.CursorID, limit)
	} else {
		query += " ORDER BY created_at DESC, id DESC LIMIT $5"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.DatabaseError("ListTasks", err)
	}
	defer rows.Close()

	var result []domain.VerificationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, apperr.DatabaseError("ListTasks", err)
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func scanTask(scanner rowScanner) (domain.VerificationTask, error) {
	var (
		task          domain.VerificationTask
		appID         sql.NullString
		queueJobID    sql.NullString
		appMetadata   []byte
		flagsRaw      []byte
		errorMessage  sql.NullString
		blobFilename  sql.NullString
		blobKey       sql.NullString
		blobBucket    sql.NullString
		dataObjectIDs []byte
		startedAt     sql.NullTime
		finishedAt    sql.NullTime
	)
	if err := scanner.Scan(
		&task.ID, &appID, &task.JobName, &queueJobID, &appMetadata, &flagsRaw, &task.Status,
		&errorMessage, &blobFilename, &blobKey, &blobBucket, &dataObjectIDs,
		&task.CreatedAt, &startedAt, &finishedAt,
	); err != nil {
		return domain.VerificationTask{}, err
	}

	task.AppID = appID.String
	task.QueueJobID = queueJobID.String
	task.AppMetadata = appMetadata
	task.ErrorMessage = errorMessage.String
	task.BlobFilename = blobFilename.String
	task.BlobKey = blobKey.String
	task.BlobBucket = blobBucket.String
	task.CreatedAt = task.CreatedAt.UTC()

	if len(flagsRaw) > 0 {
		_ = json.Unmarshal(flagsRaw, &task.Flags)
	}
	if len(dataObjectIDs) > 0 {
		_ = json.Unmarshal(dataObjectIDs, &task.DataObjectIDs)
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		task.FinishedAt = &t
	}
	return task, nil
}

// --- helpers --------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func toNullString(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullableTimePtr(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toNullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
