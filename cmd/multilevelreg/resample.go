package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"multilevelreg/internal/logging"
	"multilevelreg/pkg/errs"
	"multilevelreg/pkg/manager"
	"multilevelreg/pkg/transform"
	"multilevelreg/pkg/volumeio"
)

func newResampleCmd() *cobra.Command {
	var (
		transformPath string
		moving        string
		reference     string
		output        string
		labels        bool
		workers       int
	)

	cmd := &cobra.Command{
		Use:   "resample",
		Short: "Resample a moving volume onto a reference grid",
		Long: `resample applies a transform file written by register to a moving volume
and writes the result on the grid of the reference volume. Label maps are
sampled with nearest-neighbour interpolation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.FromContext(cmd.Context())

			t, err := transform.Read(transformPath)
			if err != nil {
				return errs.New(errs.Precondition, "read transform", err)
			}
			ref, err := volumeio.Read(reference)
			if err != nil {
				return errs.New(errs.Precondition, "read reference volume", err)
			}
			logger.Info("resampling", "moving", moving, "transform", t.Kind(), "size", ref.Size)

			opts := volumeio.Options{Gzip: true}
			if labels {
				lm, err := volumeio.ReadLabelMap(moving)
				if err != nil {
					return errs.New(errs.Precondition, "read moving labels", err)
				}
				out, err := manager.ResampleLabelMap(lm, ref.Geometry, t, workers)
				if err != nil {
					return errs.New(errs.EngineFailure, "resample labels", err)
				}
				opts.Type = "ushort"
				if err := volumeio.Write(output, out.Volume, opts); err != nil {
					return errs.New(errs.IOFailure, "write labels", err)
				}
			} else {
				v, err := volumeio.Read(moving)
				if err != nil {
					return errs.New(errs.Precondition, "read moving volume", err)
				}
				out, err := manager.Resample(v, ref.Geometry, t, manager.ResampleOptions{Workers: workers})
				if err != nil {
					return errs.New(errs.EngineFailure, "resample volume", err)
				}
				if err := volumeio.Write(output, out, opts); err != nil {
					return errs.New(errs.IOFailure, "write volume", err)
				}
			}
			fmt.Printf("Resampled volume saved to: %s\n", output)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&transformPath, "transform", "t", "", "transform file (.tfm)")
	f.StringVarP(&moving, "moving", "m", "", "volume to resample (NRRD)")
	f.StringVarP(&reference, "reference", "r", "", "volume whose grid is used for the output")
	f.StringVarP(&output, "output", "o", "resampled.nrrd", "output volume")
	f.BoolVar(&labels, "labels", false, "treat the moving volume as a label map")
	f.IntVar(&workers, "cores", runtime.NumCPU(), "CPU cores used for resampling")
	_ = cmd.MarkFlagRequired("transform")
	_ = cmd.MarkFlagRequired("moving")
	_ = cmd.MarkFlagRequired("reference")
	return cmd
}
