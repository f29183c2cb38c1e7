package track

import (
	"database/sql"
	"encoding/json"
)

// scannable covers both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanBuild(row scannable) (*Build, error) {
	var b Build
	var exitCode sql.NullInt64
	var errMsg, summary, envPath, metadata sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&b.ID, &b.ConfigID, &b.ConfigVersion, &b.Digest, &b.Status, &b.EngineVersion,
		&exitCode, &errMsg, &summary, &envPath, &metadata,
		&b.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		b.ExitCode = &code
	}
	b.Error = errMsg.String
	b.Summary = summary.String
	b.EnvPath = envPath.String
	b.Metadata = metadata.String
	if startedAt.Valid {
		b.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return &b, nil
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var sheetNames, errMsg, runDir, artifactPath, outputPaths, processedFiles sql.NullString
	var exitCode sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.BuildID, &r.ConfigID, &r.ConfigVersion, &r.InputDocumentID,
		&sheetNames, &r.DryRun, &r.ValidateOnly, &r.Status,
		&exitCode, &errMsg, &runDir, &artifactPath, &outputPaths, &processedFiles,
		&r.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	r.SheetNames = unmarshalList(sheetNames)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	r.Error = errMsg.String
	r.RunDir = runDir.String
	r.ArtifactPath = artifactPath.String
	r.OutputPaths = unmarshalList(outputPaths)
	r.ProcessedFiles = unmarshalList(processedFiles)
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

func unmarshalList(col sql.NullString) []string {
	if !col.Valid || col.String == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(col.String), &items); err != nil {
		return nil
	}
	return items
}
