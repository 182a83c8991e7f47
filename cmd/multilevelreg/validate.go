package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"multilevelreg/pkg/errs"
	"multilevelreg/pkg/transform"
	"multilevelreg/pkg/validation"
	"multilevelreg/pkg/volumeio"
)

func newValidateCmd() *cobra.Command {
	var (
		source          string
		target          string
		image           string
		fixedFiducials  string
		movingFiducials string
		transformPath   string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Measure the agreement of registered label maps and landmarks",
		Long: `validate compares a source label map with a target label map on the same
grid and prints the overlap and surface distance measures of every label.

With --image the intensity statistics of every source label are printed as
well. With --fixed-fiducials and --moving-fiducials the landmark distances
are reported, mapping the fixed landmarks through --transform when given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" && fixedFiducials == "" {
				return errs.Errorf(errs.Precondition, "validate", "nothing to validate: give --source and --target or fiducial files")
			}
			if source != "" {
				if err := validateLabels(source, target, image); err != nil {
					return err
				}
			}
			if fixedFiducials != "" {
				return validateFiducials(fixedFiducials, movingFiducials, transformPath)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&source, "source", "s", "", "label map to evaluate (NRRD)")
	f.StringVarP(&target, "target", "t", "", "reference label map (NRRD)")
	f.StringVar(&image, "image", "", "intensity volume for per label statistics")
	f.StringVar(&fixedFiducials, "fixed-fiducials", "", "fixed landmark file")
	f.StringVar(&movingFiducials, "moving-fiducials", "", "moving landmark file")
	f.StringVar(&transformPath, "transform", "", "transform mapping fixed into moving space")
	cmd.MarkFlagsRequiredTogether("source", "target")
	cmd.MarkFlagsRequiredTogether("fixed-fiducials", "moving-fiducials")
	return cmd
}

func validateLabels(source, target, image string) error {
	src, err := volumeio.ReadLabelMap(source)
	if err != nil {
		return errs.New(errs.Precondition, "read source labels", err)
	}
	tgt, err := volumeio.ReadLabelMap(target)
	if err != nil {
		return errs.New(errs.Precondition, "read target labels", err)
	}

	report, err := validation.LabelOverlap(src, tgt)
	if err != nil {
		return err
	}
	fmt.Print(report.String())

	if image == "" {
		return nil
	}
	v, err := volumeio.Read(image)
	if err != nil {
		return errs.New(errs.Precondition, "read image", err)
	}
	stats, err := validation.Statistics(v, src)
	if err != nil {
		return err
	}
	fmt.Println("\nlabel\tcount\tmean\tstddev\tmin\tmax")
	for _, s := range stats {
		fmt.Printf("%d\t%d\t%.4f\t%.4f\t%.4f\t%.4f\n", s.Label, s.Count, s.Mean, s.StdDev, s.Min, s.Max)
	}
	return nil
}

func validateFiducials(fixedPath, movingPath, transformPath string) error {
	fixed, err := validation.ReadFiducials(fixedPath)
	if err != nil {
		return err
	}
	moving, err := validation.ReadFiducials(movingPath)
	if err != nil {
		return err
	}

	var mapper validation.PointMapper
	if transformPath != "" {
		t, err := transform.Read(transformPath)
		if err != nil {
			return errs.New(errs.Precondition, "read transform", err)
		}
		mapper = t
	}

	report, err := validation.FiducialAlignment(fixed, moving, mapper)
	if err != nil {
		return err
	}
	for _, p := range report.Pairs {
		fmt.Printf("%s\t%.4f\n", p.Name, p.Distance)
	}
	fmt.Printf("mean %.4f, max %.4f over %d pairs\n", report.Mean, report.Max, len(report.Pairs))
	return nil
}
