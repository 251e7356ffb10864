// Package storage persists verified training artifacts.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	oerrors "github.com/Ankesh-007/peft-studio-sub012/core/errors"
	"github.com/Ankesh-007/peft-studio-sub012/core/models"

	"go.uber.org/zap"
)

// ArtifactStore writes fetched artifacts to disk. An artifact descriptor is
// only ever produced after its content hash has been verified.
type ArtifactStore struct {
	dir    string
	logger *zap.Logger
}

// NewArtifactStore creates the artifact directory if needed.
func NewArtifactStore(dir string, logger *zap.Logger) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &ArtifactStore{dir: dir, logger: logger}, nil
}

// Save computes the SHA-256 of the received bytes, checks it against the
// provider's declared hash when one was supplied, and writes the artifact to
// disk. A hash mismatch fails with an integrity error and writes nothing;
// the caller must retry the download.
func (s *ArtifactStore) Save(jobID string, data []byte, declaredHash string) (models.Artifact, error) {
	sum := sha256.Sum256(data)
	computed := hex.EncodeToString(sum[:])

	if declaredHash != "" && !strings.EqualFold(declaredHash, computed) {
		s.logger.Error("artifact hash mismatch",
			zap.String("job_id", jobID),
			zap.String("declared", declaredHash),
			zap.String("computed", computed))
		return models.Artifact{}, &oerrors.JobError{
			Op:    "SaveArtifact",
			JobID: jobID,
			Err: fmt.Errorf("%w: declared %s, computed %s",
				oerrors.ErrIntegrity, declaredHash, computed),
		}
	}

	jobDir := filepath.Join(s.dir, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return models.Artifact{}, fmt.Errorf("failed to create job dir: %w", err)
	}

	path := filepath.Join(jobDir, "adapter.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return models.Artifact{}, fmt.Errorf("failed to write artifact: %w", err)
	}

	s.logger.Info("artifact stored",
		zap.String("job_id", jobID),
		zap.String("path", path),
		zap.Int("size_bytes", len(data)),
		zap.String("sha256", computed))

	return models.Artifact{
		Path:      path,
		SizeBytes: int64(len(data)),
		SHA256:    computed,
		CreatedAt: time.Now(),
	}, nil
}

// Verify recomputes the hash of a stored artifact and compares it to the
// recorded descriptor.
func (s *ArtifactStore) Verify(a models.Artifact) error {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	sum := sha256.Sum256(data)
	if computed := hex.EncodeToString(sum[:]); !strings.EqualFold(computed, a.SHA256) {
		return fmt.Errorf("%w: stored %s, computed %s", oerrors.ErrIntegrity, a.SHA256, computed)
	}
	return nil
}
