package main

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/nerveband/content-checkmate-sub000/internal/module/analysis"
	"github.com/nerveband/content-checkmate-sub000/internal/module/remediation"
	"github.com/spf13/cobra"
)

type fixOptions struct {
	image        string
	description  string
	instructions string
	token        string
	box          []float64
}

func newFixCmd() *cobra.Command {
	opts := &fixOptions{}

	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Fix one policy violation in an image",
		Example: `  checkmate fix --image ad.png --description "before and after photos"
  checkmate fix --image https://example.com/ad.png -d "price claim" --box 0.1,0.7,0.5,0.2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFix(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.image, "image", "i", "", "image URL or local file")
	f.StringVarP(&opts.description, "description", "d", "", "violation to fix")
	f.StringVar(&opts.instructions, "instructions", "", "extra editing instructions")
	f.StringVar(&opts.token, "token", "", "image model API token (default: configured token)")
	f.Float64SliceVar(&opts.box, "box", nil, "violation region as x,y,width,height fractions")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("description")

	return cmd
}

func runFix(cmd *cobra.Command, opts *fixOptions) error {
	req := &remediation.FixRequest{
		Violation:    remediation.ViolationRef{Description: opts.description},
		Instructions: opts.instructions,
		APIToken:     opts.token,
	}

	image, err := imageSource(opts.image)
	if err != nil {
		return err
	}
	req.Image = image

	if len(opts.box) > 0 {
		if len(opts.box) != 4 {
			return fmt.Errorf("--box needs 4 values, got %d", len(opts.box))
		}
		req.Violation.BoundingBox = &analysis.BoundingBox{
			X: opts.box[0], Y: opts.box[1], Width: opts.box[2], Height: opts.box[3],
		}
	}

	application, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer application.Stop()

	res, err := application.FixService().Fix(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

// imageSource returns URLs unchanged and reads local files into a data URI.
func imageSource(s string) (string, error) {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "data:") {
		return s, nil
	}
	data, err := os.ReadFile(s)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return "", fmt.Errorf("%s is not an image (%s)", s, mimeType)
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
