package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"multilevelreg/internal/logging"
	"multilevelreg/pkg/config"
	"multilevelreg/pkg/engine"
	"multilevelreg/pkg/errs"
	"multilevelreg/pkg/manager"
	"multilevelreg/pkg/pipeline"
	"multilevelreg/pkg/transform"
	"multilevelreg/pkg/validation"
	"multilevelreg/pkg/volumeio"
)

type registerOptions struct {
	configPath   string
	fixed        string
	moving       string
	fixedLabels  string
	movingLabels string
}

func newRegisterCmd() *cobra.Command {
	var opts registerOptions
	cfg := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a moving volume onto a fixed volume",
		Long: `register initializes a rigid+scale transform, refines it over the configured
levels and writes the composite transform mapping fixed into moving space.

Values from --config are loaded first; flags given on the command line
override them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if err := overlay(cmd.Flags(), cfg, loaded); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return errs.New(errs.Precondition, "config", err)
			}
			return runRegister(cmd, opts, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "multilevelreg.yaml", "configuration file")
	f.StringVar(&opts.fixed, "fixed", "", "fixed volume (NRRD)")
	f.StringVar(&opts.moving, "moving", "", "moving volume (NRRD)")
	f.StringVar(&opts.fixedLabels, "fixed-labels", "", "fixed label map for overlap validation")
	f.StringVar(&opts.movingLabels, "moving-labels", "", "moving label map for overlap validation")

	f.IntVar(&cfg.Levels.Count, "levels", cfg.Levels.Count, "number of registration levels")
	f.StringSliceVar(&cfg.Levels.ROIFiles, "roi", cfg.Levels.ROIFiles, "ROI file per level, repeatable")
	f.Float64Var(&cfg.Relaxation.Divisor, "relaxation-divisor", cfg.Relaxation.Divisor, "per-level relaxation divisor")
	f.StringVar(&cfg.Relaxation.Denominator, "denominator", cfg.Relaxation.Denominator, "relaxation denominator: levelMinusOne or level")

	f.Float64Var(&cfg.Registration.RotationScale, "rotation-scale", cfg.Registration.RotationScale, "rotation parameter weight")
	f.Float64Var(&cfg.Registration.TranslationScale, "translation-scale", cfg.Registration.TranslationScale, "translation parameter weight")
	f.Float64Var(&cfg.Registration.ScalingScale, "scaling-scale", cfg.Registration.ScalingScale, "scaling parameter weight")
	f.IntVar(&cfg.Registration.Iterations, "iterations", cfg.Registration.Iterations, "maximum iterations per level")
	f.Float64Var(&cfg.Registration.MaxStepLength, "max-step", cfg.Registration.MaxStepLength, "maximum step length of level 1")
	f.Float64Var(&cfg.Registration.MinStepLength, "min-step", cfg.Registration.MinStepLength, "minimum step length")
	f.StringVar(&cfg.Registration.Metric, "metric", cfg.Registration.Metric, "mutualInformation or meanSquares")

	f.BoolVar(&cfg.Initialization.CenterOfGeometry, "center-of-geometry", cfg.Initialization.CenterOfGeometry, "initialize by aligning volume centres")
	f.BoolVar(&cfg.Initialization.Iterative, "iterative", cfg.Initialization.Iterative, "initialize with a coarse translation grid search")
	f.StringVar(&cfg.Initialization.ManualTransform, "manual", cfg.Initialization.ManualTransform, "affine transform file used as initialization")
	f.StringVar(&cfg.Initialization.FixedInitialTransform, "fixed-initial", cfg.Initialization.FixedInitialTransform, "transform applied to the fixed volume first")
	f.StringVar(&cfg.Initialization.ReferenceImage, "reference", cfg.Initialization.ReferenceImage, "reference grid for --fixed-initial")

	f.BoolVar(&cfg.Crop.InclusiveSize, "inclusive-crop", cfg.Crop.InclusiveSize, "include the end voxel when cropping")
	f.BoolVar(&cfg.Validation.Checkerboard, "checkerboard", cfg.Validation.Checkerboard, "write checkerboard volumes after every level")
	f.StringVar(&cfg.Validation.FixedFiducials, "fixed-fiducials", cfg.Validation.FixedFiducials, "fixed landmark file")
	f.StringVar(&cfg.Validation.MovingFiducials, "moving-fiducials", cfg.Validation.MovingFiducials, "moving landmark file")

	f.StringVarP(&cfg.Output.Transform, "output", "o", cfg.Output.Transform, "composite transform output (.tfm)")
	f.StringVar(&cfg.Output.ResampledImage, "resampled", cfg.Output.ResampledImage, "resampled moving volume output (NRRD)")
	f.BoolVar(&cfg.Output.Observe, "observe", cfg.Output.Observe, "log registration progress")
	f.BoolVar(&cfg.Output.DebugTransforms, "debug-transforms", cfg.Output.DebugTransforms, "save transform snapshots")
	f.BoolVar(&cfg.Output.DebugImages, "debug-images", cfg.Output.DebugImages, "save resampled volumes with previews")
	f.StringVar(&cfg.Output.DebugDirectory, "debug-dir", cfg.Output.DebugDirectory, "debug output directory")
	f.IntVar(&cfg.Processing.NumCores, "cores", cfg.Processing.NumCores, "CPU cores used for resampling")

	_ = cmd.MarkFlagRequired("fixed")
	_ = cmd.MarkFlagRequired("moving")
	return cmd
}

// overlay replaces cfg with loaded and then reapplies every flag that was
// set on the command line, so flags override the configuration file.
func overlay(flags *pflag.FlagSet, cfg, loaded *config.Config) error {
	scalars := map[string]string{}
	slices := map[string][]string{}
	flags.Visit(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			slices[f.Name] = sv.GetSlice()
			return
		}
		scalars[f.Name] = f.Value.String()
	})

	*cfg = *loaded
	for name, v := range scalars {
		if err := flags.Set(name, v); err != nil {
			return fmt.Errorf("flag --%s: %v", name, err)
		}
	}
	for name, v := range slices {
		if err := flags.Lookup(name).Value.(pflag.SliceValue).Replace(v); err != nil {
			return fmt.Errorf("flag --%s: %v", name, err)
		}
	}
	return nil
}

func runRegister(cmd *cobra.Command, opts registerOptions, cfg *config.Config) error {
	ctx := cmd.Context()
	logger := logging.FromContext(ctx)
	if cfg.Output.Verbose {
		logger.SetLevel(log.DebugLevel)
	}

	in, err := loadInputs(opts, cfg)
	if err != nil {
		return err
	}

	params, err := cfg.Params()
	if err != nil {
		return errs.New(errs.Precondition, "config", err)
	}
	params.RunID = uuid.NewString()

	var pipeOpts []pipeline.Option
	if params.Debug || params.Checkerboard {
		dir := filepath.Join(cfg.Output.DebugDirectory, params.RunID)
		logger.Info("debug artifacts", "dir", dir)
		pipeOpts = append(pipeOpts, pipeline.WithStorage(pipeline.DirStorage{Dir: dir, Previews: cfg.Output.DebugImages}))
	}

	fmt.Println("================================")
	fmt.Println("MULTI-LEVEL VOLUME REGISTRATION")
	fmt.Println("================================")

	start := time.Now()
	state, err := pipeline.New(params, engine.NewRegularStep(), pipeOpts...).Run(ctx, in)
	elapsed := time.Since(start)
	printSummary(state, elapsed)
	if err != nil {
		return err
	}

	if cfg.Output.ResampledImage != "" {
		m := manager.New(manager.Options{Workers: cfg.Processing.NumCores})
		m.SetImages(in.Fixed, in.Moving)
		m.SetComposite(state.Composite)
		resampled, err := m.ResampleMoving()
		if err != nil {
			return err
		}
		if err := volumeio.Write(cfg.Output.ResampledImage, resampled, volumeio.Options{Gzip: true}); err != nil {
			return errs.New(errs.IOFailure, "write resampled volume", err)
		}
		fmt.Printf("Resampled moving volume saved to: %s\n", cfg.Output.ResampledImage)
	}
	return nil
}

// loadInputs reads every file named by opts and cfg. Read failures are
// preconditions.
func loadInputs(opts registerOptions, cfg *config.Config) (pipeline.Inputs, error) {
	var in pipeline.Inputs
	var err error

	if in.Fixed, err = volumeio.Read(opts.fixed); err != nil {
		return in, errs.New(errs.Precondition, "read fixed volume", err)
	}
	if in.Moving, err = volumeio.Read(opts.moving); err != nil {
		return in, errs.New(errs.Precondition, "read moving volume", err)
	}
	if opts.fixedLabels != "" {
		if in.FixedLabels, err = volumeio.ReadLabelMap(opts.fixedLabels); err != nil {
			return in, errs.New(errs.Precondition, "read fixed labels", err)
		}
	}
	if opts.movingLabels != "" {
		if in.MovingLabels, err = volumeio.ReadLabelMap(opts.movingLabels); err != nil {
			return in, errs.New(errs.Precondition, "read moving labels", err)
		}
	}

	for _, path := range cfg.Levels.ROIFiles {
		roi, err := manager.ReadROIFile(path)
		if err != nil {
			return in, err
		}
		in.ROIs = append(in.ROIs, roi)
	}

	if cfg.Validation.FixedFiducials != "" {
		if in.FixedLandmarks, err = validation.ReadFiducials(cfg.Validation.FixedFiducials); err != nil {
			return in, err
		}
		if in.MovingLandmarks, err = validation.ReadFiducials(cfg.Validation.MovingFiducials); err != nil {
			return in, err
		}
	}

	if path := cfg.Initialization.ManualTransform; path != "" {
		t, err := transform.Read(path)
		if err != nil {
			return in, errs.New(errs.Precondition, "read manual transform", err)
		}
		switch t := t.(type) {
		case *transform.Affine:
			in.ManualTransform = t
		case *transform.RigidScale:
			in.ManualTransform = t.AsAffine()
		default:
			return in, errs.Errorf(errs.Precondition, "read manual transform", "%s holds a %v transform, expected an affine", path, t.Kind())
		}
	}

	if path := cfg.Initialization.FixedInitialTransform; path != "" {
		if in.FixedInitialTransform, err = transform.Read(path); err != nil {
			return in, errs.New(errs.Precondition, "read fixed initial transform", err)
		}
		if ref := cfg.Initialization.ReferenceImage; ref != "" {
			v, err := volumeio.Read(ref)
			if err != nil {
				return in, errs.New(errs.Precondition, "read reference image", err)
			}
			g := v.Geometry
			in.Reference = &g
		}
	}
	return in, nil
}

func printSummary(state pipeline.PipelineState, elapsed time.Duration) {
	fmt.Printf("\nRun %s finished with status %s in %.2f seconds\n", state.RunID, state.Status, elapsed.Seconds())
	if state.Composite != nil {
		fmt.Printf("Composite transform holds %d transforms\n", state.Composite.Len())
	}
	for _, r := range state.Reports {
		switch {
		case r.Level == 0:
			fmt.Printf("- initialization: %v\n", r.Transform)
		case r.Skipped():
			fmt.Printf("- level %d: skipped (%s)\n", r.Level, r.StopReason)
		default:
			fmt.Printf("- level %d: %d iterations, metric %.6f, %s\n", r.Level, r.Iterations, r.Value, r.StopReason)
		}
		if r.Overlap != nil {
			for _, m := range r.Overlap.Measures {
				fmt.Printf("    label %d: dice %.4f, jaccard %.4f, hausdorff %.3f\n", m.Label, m.Mean, m.Union, m.Hausdorff)
			}
		}
		if r.Fiducials != nil {
			fmt.Printf("    fiducials: mean %.3f, max %.3f over %d pairs\n", r.Fiducials.Mean, r.Fiducials.Max, len(r.Fiducials.Pairs))
		}
	}
	for _, w := range state.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
}
