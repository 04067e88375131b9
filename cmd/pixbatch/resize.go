package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bnema/pixbatch/internal/domain"
)

var resizeKeepAspect bool

var resizeCmd = &cobra.Command{
	Use:   "resize <width> <height> <max-width> <max-height>",
	Short: "Print the output size an image would get",
	Long:  "Print the output size for a width x height image under the given bounds. A bound of 0 leaves that axis free.",
	Args:  cobra.ExactArgs(4),
	RunE:  runResize,
}

func init() {
	rootCmd.AddCommand(resizeCmd)
	resizeCmd.Flags().BoolVar(&resizeKeepAspect, "keep-aspect", true, "keep the aspect ratio")
}

func runResize(cmd *cobra.Command, args []string) error {
	var n [4]int
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("argument %d: %q is not an integer", i+1, a)
		}
		n[i] = v
	}

	dims, err := domain.ComputeResize(n[0], n[1], n[2], n[3], resizeKeepAspect)
	if err != nil {
		return err
	}
	if !dims.Resize {
		fmt.Fprintf(cmd.OutOrStdout(), "%dx%d (unchanged)\n", n[0], n[1])
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%dx%d\n", dims.Width, dims.Height)
	return nil
}
