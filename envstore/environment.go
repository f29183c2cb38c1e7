package envstore

import (
	"database/sql"
	"time"

	"github.com/tabulist/ade/errors"
)

// Environment is a durable record of one materialized venv.
type Environment struct {
	Digest        string     `json:"digest"`
	EngineVersion string     `json:"engine_version"`
	PythonVersion string     `json:"python_version,omitempty"`
	EnvPath       string     `json:"env_path"`
	Packages      string     `json:"packages,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
}

// Lookup finds the environment record for a digest.
func (s *Store) Lookup(digest string) (*Environment, error) {
	row := s.db.QueryRow(`
		SELECT digest, engine_version, python_version, env_path, packages, created_at, last_used_at
		FROM environments WHERE digest = ?`, digest)

	var env Environment
	var pythonVersion, packages sql.NullString
	var lastUsed sql.NullTime
	err := row.Scan(&env.Digest, &env.EngineVersion, &pythonVersion, &env.EnvPath,
		&packages, &env.CreatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "environment %s", digest)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up environment")
	}
	env.PythonVersion = pythonVersion.String
	env.Packages = packages.String
	if lastUsed.Valid {
		env.LastUsedAt = &lastUsed.Time
	}
	return &env, nil
}

func (s *Store) saveEnvironment(env *Environment) error {
	_, err := s.db.Exec(`
		INSERT INTO environments (digest, engine_version, python_version, env_path, packages, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(digest) DO UPDATE SET
			python_version = excluded.python_version,
			packages = excluded.packages`,
		env.Digest, env.EngineVersion, nullable(env.PythonVersion), env.EnvPath,
		nullable(env.Packages), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to save environment")
	}
	return nil
}

func (s *Store) touchEnvironment(digest string) {
	s.db.Exec("UPDATE environments SET last_used_at = ? WHERE digest = ?", time.Now().UTC(), digest)
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
