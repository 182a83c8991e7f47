package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"multilevelreg/pkg/errs"
	"multilevelreg/pkg/validation"
	"multilevelreg/pkg/visualization"
	"multilevelreg/pkg/volumeio"
)

func newCheckerboardCmd() *cobra.Command {
	var (
		a, b       string
		output     string
		previewDir string
	)

	cmd := &cobra.Command{
		Use:   "checkerboard",
		Short: "Interleave two volumes on the same grid in alternating blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			va, err := volumeio.Read(a)
			if err != nil {
				return errs.New(errs.Precondition, "read first volume", err)
			}
			vb, err := volumeio.Read(b)
			if err != nil {
				return errs.New(errs.Precondition, "read second volume", err)
			}

			board, err := validation.Checkerboard(va, vb)
			if err != nil {
				return err
			}
			if err := volumeio.Write(output, board, volumeio.Options{Gzip: true}); err != nil {
				return errs.New(errs.IOFailure, "write checkerboard", err)
			}
			fmt.Printf("Checkerboard saved to: %s\n", output)

			if previewDir == "" {
				return nil
			}
			viewer := visualization.NewViewer(board)
			for _, axis := range []string{"x", "y", "z"} {
				if err := viewer.SaveSliceSequence(axis, previewDir); err != nil {
					return errs.New(errs.IOFailure, "write previews", err)
				}
			}
			fmt.Printf("Slice previews saved to: %s\n", previewDir)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&a, "a", "", "first volume (NRRD)")
	f.StringVar(&b, "b", "", "second volume (NRRD)")
	f.StringVarP(&output, "output", "o", "checkerboard.nrrd", "output volume")
	f.StringVar(&previewDir, "previews", "", "directory for JPEG slice previews")
	_ = cmd.MarkFlagRequired("a")
	_ = cmd.MarkFlagRequired("b")
	return cmd
}
