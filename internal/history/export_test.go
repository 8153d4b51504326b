package history

import "context"

// ForceSchemaVersion rewrites the recorded schema version for tests.
func (s *Store) ForceSchemaVersion(ctx context.Context, version int) error {
	_, err := s.db.ExecContext(ctx, "UPDATE schema_version SET version = ?", version)
	return err
}

// SchemaVersion reads the recorded schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	return version, err
}

// SetStoredProgress overwrites the progress kept in a row's job_json.
func (s *Store) SetStoredProgress(ctx context.Context, id string, progress float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET job_json = json_set(job_json, '$.progress', ?) WHERE id = ?`, progress, id)
	return err
}
