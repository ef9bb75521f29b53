// Package modelcache keeps ONNX model artifacts on local disk and their
// loaded sessions in a bounded in-memory cache. Artifacts are immutable
// blobs; a detector swaps models by pointing its config at a new blob path.
package modelcache

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/storage"
)

const (
	artifactName = "model.onnx"
	sizeSidecar  = "model.onnx.size"
	srcSidecar   = "model.onnx.src"
)

// DiskStore lays out downloaded artifacts as {root}/{detector_id}/{role}/model.onnx.
// Next to each artifact sit two sidecars: the byte count written after a
// successful download, and the blob path the bytes came from.
type DiskStore struct {
	Root    string
	Storage storage.Gateway
}

func NewDiskStore(root string, gw storage.Gateway) *DiskStore {
	return &DiskStore{Root: root, Storage: gw}
}

// EnsureLocal returns the local path of the artifact, downloading it when the
// cached copy is missing, truncated, or came from a different blob path.
func (s *DiskStore) EnsureLocal(ctx context.Context, detectorID, role, blobPath string) (string, error) {
	dir := filepath.Join(s.Root, detectorID, role)
	local := filepath.Join(dir, artifactName)

	if s.validate(local, blobPath) {
		return local, nil
	}

	container, name, err := storage.SplitPath(blobPath)
	if err != nil {
		return "", err
	}
	data, err := s.Storage.Download(ctx, container, name)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errs.Newf(errs.KindStorageFailure, "model artifact %s is empty", blobPath)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Wrap(errs.KindStorageFailure, "create model dir "+dir, err)
	}
	tmp, err := os.CreateTemp(dir, artifactName+".*.tmp")
	if err != nil {
		return "", errs.Wrap(errs.KindStorageFailure, "create tempfile in "+dir, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errs.Wrap(errs.KindStorageFailure, "write model artifact", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errs.Wrap(errs.KindStorageFailure, "close model artifact", err)
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		os.Remove(tmp.Name())
		return "", errs.Wrap(errs.KindStorageFailure, "rename model artifact", err)
	}
	s.writeSidecars(dir, int64(len(data)), blobPath)

	log.Printf("[ModelCache] downloaded %s (%d bytes) -> %s", blobPath, len(data), local)
	return local, nil
}

// validate reports whether the on-disk artifact can be served as-is.
func (s *DiskStore) validate(local, blobPath string) bool {
	fi, err := os.Stat(local)
	if err != nil {
		return false
	}
	if fi.Size() == 0 {
		log.Printf("[ModelCache] %s is zero bytes, refetching", local)
		return false
	}

	dir := filepath.Dir(local)
	if src, err := os.ReadFile(filepath.Join(dir, srcSidecar)); err == nil {
		if strings.TrimSpace(string(src)) != blobPath {
			log.Printf("[ModelCache] %s came from %s, want %s, refetching", local, strings.TrimSpace(string(src)), blobPath)
			return false
		}
	}
	raw, err := os.ReadFile(filepath.Join(dir, sizeSidecar))
	if err != nil {
		// Pre-sidecar cache entry. Adopt it and record its size.
		s.writeSidecars(dir, fi.Size(), blobPath)
		return true
	}
	want, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || want != fi.Size() {
		log.Printf("[ModelCache] %s has %d bytes, sidecar says %s, refetching", local, fi.Size(), strings.TrimSpace(string(raw)))
		return false
	}
	return true
}

func (s *DiskStore) writeSidecars(dir string, size int64, blobPath string) {
	if err := os.WriteFile(filepath.Join(dir, sizeSidecar), []byte(strconv.FormatInt(size, 10)), 0o644); err != nil {
		log.Printf("[ModelCache] write size sidecar: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, srcSidecar), []byte(blobPath), 0o644); err != nil {
		log.Printf("[ModelCache] write src sidecar: %v", err)
	}
}

// Remove drops the local copy for one detector role. Used when an admin
// forces a refetch; a missing entry is not an error.
func (s *DiskStore) Remove(detectorID, role string) error {
	dir := filepath.Join(s.Root, detectorID, role)
	if err := os.RemoveAll(dir); err != nil {
		return errs.Wrap(errs.KindStorageFailure, "remove cached model "+dir, err)
	}
	return nil
}
