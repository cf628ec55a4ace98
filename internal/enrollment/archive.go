package enrollment

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
)

// Archive keeps the original enrollment images under
// <dir>/<site>/<identity>/<identity>_<unix>_<batch>_<n>.<ext>.
type Archive struct {
	dir string
	now func() time.Time
}

// NewArchive returns an archive rooted at dir, or nil if dir is empty.
func NewArchive(dir string) *Archive {
	if dir == "" {
		return nil
	}
	return &Archive{dir: dir, now: time.Now}
}

// archivedImage is one image waiting to be written.
type archivedImage struct {
	index  int // position in the request
	data   []byte
	format string
}

// Store writes images and returns their file names by request position.
// Nothing is returned when the archive is disabled.
func (a *Archive) Store(site, identityID string, images []archivedImage) (map[int]string, error) {
	if a == nil || len(images) == 0 {
		return nil, nil
	}

	dir := filepath.Join(a.dir, site, identityID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	batch := uuid.NewString()[:8]
	unix := a.now().Unix()
	names := make(map[int]string, len(images))
	for _, img := range images {
		name := fmt.Sprintf("%s_%d_%s_%d.%s", identityID, unix, batch, img.index+1, extension(img.format))
		if err := renameio.WriteFile(filepath.Join(dir, name), img.data, 0o640); err != nil {
			a.Remove(site, identityID, names)
			return nil, fmt.Errorf("archiving image %d: %w", img.index+1, err)
		}
		names[img.index] = name
	}
	return names, nil
}

// Remove deletes archived files, used when the enrollment they belong to is abandoned.
func (a *Archive) Remove(site, identityID string, names map[int]string) {
	if a == nil {
		return
	}
	dir := filepath.Join(a.dir, site, identityID)
	for _, name := range names {
		_ = os.Remove(filepath.Join(dir, name))
	}
}

func extension(format string) string {
	switch format {
	case "jpeg", "":
		return "jpg"
	default:
		return format
	}
}
