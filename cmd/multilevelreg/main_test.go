package main

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multilevelreg/internal/models"
	"multilevelreg/pkg/config"
	"multilevelreg/pkg/errs"
	"multilevelreg/pkg/transform"
	"multilevelreg/pkg/volumeio"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func writeBlob(t *testing.T, path string, shift float64) {
	t.Helper()
	const n = 12
	half := float64(n-1) / 2
	g := models.NewGeometry([3]int{n, n, n}, [3]float64{1, 1, 1}, [3]float64{-half, -half, -half})
	v := models.NewVolume(g)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				dx, dy, dz := float64(x)-half-shift, float64(y)-half, float64(z)-half
				v.Set(x, y, z, 100*math.Exp(-(dx*dx+dy*dy+dz*dz)/12))
			}
		}
	}
	require.NoError(t, volumeio.Write(path, v, volumeio.Options{}))
}

func TestOverlay(t *testing.T) {
	cfg := config.DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.IntVar(&cfg.Levels.Count, "levels", cfg.Levels.Count, "")
	fs.StringSliceVar(&cfg.Levels.ROIFiles, "roi", cfg.Levels.ROIFiles, "")
	fs.IntVar(&cfg.Registration.Iterations, "iterations", cfg.Registration.Iterations, "")
	require.NoError(t, fs.Parse([]string{"--levels", "3", "--roi", "a.txt", "--roi", "b.txt"}))

	loaded := config.DefaultConfig()
	loaded.Levels.Count = 1
	loaded.Levels.ROIFiles = []string{"c.txt"}
	loaded.Registration.Iterations = 42

	require.NoError(t, overlay(fs, cfg, loaded))
	assert.Equal(t, 3, cfg.Levels.Count)
	assert.Equal(t, []string{"a.txt", "b.txt"}, cfg.Levels.ROIFiles)
	assert.Equal(t, 42, cfg.Registration.Iterations, "unset flags keep the file value")
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reg.yaml")
	require.NoError(t, execute(t, "init-config", path))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	assert.Error(t, execute(t, "init-config", path), "existing file without --force")
	assert.NoError(t, execute(t, "init-config", "--force", path))
}

func TestRegisterInitializationOnly(t *testing.T) {
	dir := t.TempDir()
	fixed := filepath.Join(dir, "fixed.nrrd")
	moving := filepath.Join(dir, "moving.nrrd")
	out := filepath.Join(dir, "out.tfm")
	writeBlob(t, fixed, 0)
	writeBlob(t, moving, 0)

	err := execute(t, "register",
		"--config", filepath.Join(dir, "missing.yaml"),
		"--fixed", fixed, "--moving", moving,
		"--levels", "0", "--metric", "meanSquares",
		"--output", out)
	require.NoError(t, err)

	tr, err := transform.Read(out)
	require.NoError(t, err)
	p := tr.TransformPoint([3]float64{1, 2, 3})
	assert.InDeltaSlice(t, []float64{1, 2, 3}, p[:], 1e-9, "centred volumes initialize to the identity")
}

func TestRegisterMissingInput(t *testing.T) {
	dir := t.TempDir()
	err := execute(t, "register",
		"--config", filepath.Join(dir, "missing.yaml"),
		"--fixed", filepath.Join(dir, "nope.nrrd"),
		"--moving", filepath.Join(dir, "nope.nrrd"))
	require.Error(t, err)
	assert.Equal(t, errs.Precondition, errs.KindOf(err))
}

func TestCheckerboardAndResample(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.nrrd")
	b := filepath.Join(dir, "b.nrrd")
	writeBlob(t, a, 0)
	writeBlob(t, b, 2)

	board := filepath.Join(dir, "board.nrrd")
	previews := filepath.Join(dir, "previews")
	require.NoError(t, execute(t, "checkerboard", "--a", a, "--b", b, "--output", board, "--previews", previews))

	v, err := volumeio.Read(board)
	require.NoError(t, err)
	assert.Equal(t, [3]int{12, 12, 12}, v.Size)
	_, err = os.Stat(filepath.Join(previews, "slice_z_011.jpg"))
	assert.NoError(t, err)

	tfm := filepath.Join(dir, "identity.tfm")
	require.NoError(t, transform.Write(tfm, transform.IdentityAffine()))
	resampled := filepath.Join(dir, "resampled.nrrd")
	require.NoError(t, execute(t, "resample", "-t", tfm, "-m", a, "-r", b, "-o", resampled))

	orig, err := volumeio.Read(a)
	require.NoError(t, err)
	got, err := volumeio.Read(resampled)
	require.NoError(t, err)
	assert.InDeltaSlice(t, orig.Data, got.Data, 1e-9)
}
