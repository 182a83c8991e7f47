package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"multilevelreg/internal/models"
	"multilevelreg/pkg/transform"
	"multilevelreg/pkg/visualization"
	"multilevelreg/pkg/volumeio"
)

// Storage persists intermediate artifacts of a run under short names such
// as "level_2" or "level_1_iter_050".
type Storage interface {
	WriteTransform(name string, t transform.Transform) error
	WriteVolume(name string, v *models.Volume) error
}

// DirStorage writes artifacts into a directory: transforms as ITK .tfm
// files and volumes as NRRD files, optionally with JPEG previews of the
// three central slices.
type DirStorage struct {
	Dir string

	// Previews writes name_x.jpg, name_y.jpg and name_z.jpg next to each volume
	Previews bool

	// Gzip compresses the NRRD payload
	Gzip bool
}

func (s DirStorage) path(name, ext string) (string, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create storage directory: %v", err)
	}
	return filepath.Join(s.Dir, name+ext), nil
}

// WriteTransform writes t to Dir/name.tfm.
func (s DirStorage) WriteTransform(name string, t transform.Transform) error {
	path, err := s.path(name, ".tfm")
	if err != nil {
		return err
	}
	return transform.Write(path, t)
}

// WriteVolume writes v to Dir/name.nrrd.
func (s DirStorage) WriteVolume(name string, v *models.Volume) error {
	path, err := s.path(name, ".nrrd")
	if err != nil {
		return err
	}
	if err := volumeio.Write(path, v, volumeio.Options{Gzip: s.Gzip}); err != nil {
		return err
	}
	if !s.Previews {
		return nil
	}

	viewer := visualization.NewViewer(v)
	slices, err := viewer.CentralSlices()
	if err != nil {
		return err
	}
	for i, axis := range []string{"x", "y", "z"} {
		if err := viewer.SaveSlice(slices[i], filepath.Join(s.Dir, fmt.Sprintf("%s_%s.jpg", name, axis))); err != nil {
			return fmt.Errorf("failed to save %s preview: %v", axis, err)
		}
	}
	return nil
}

// discardStorage drops every artifact.
type discardStorage struct{}

func (discardStorage) WriteTransform(string, transform.Transform) error { return nil }

func (discardStorage) WriteVolume(string, *models.Volume) error { return nil }
