package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/datallboy/goswarm/internal/app"
	"github.com/datallboy/goswarm/internal/checksum"
	"github.com/datallboy/goswarm/internal/domain"
	"github.com/datallboy/goswarm/internal/manifest"
)

func newManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Create and inspect content manifests",
	}
	cmd.AddCommand(newManifestCreateCmd(), newManifestInspectCmd())
	return cmd
}

func newManifestCreateCmd() *cobra.Command {
	var (
		initPath  string
		outPath   string
		trackers  []string
		algorithm string
		chunkSize int64
		segDur    time.Duration
		seed      bool
	)

	cmd := &cobra.Command{
		Use:   "create [flags] SEGMENT...",
		Short: "Build a manifest from media segment files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := afero.NewOsFs()

			init, segments, err := manifest.ReadSegments(fs, initPath, args)
			if err != nil {
				return err
			}

			m, err := manifest.Build(manifest.Options{
				Algorithm:       algorithm,
				Trackers:        trackers,
				SegmentDuration: segDur,
				ChunkSize:       chunkSize,
			}, init, segments, nil)
			if err != nil {
				return err
			}

			if outPath == "" {
				outPath = m.Hash + ".manifest"
			}
			if err := manifest.Save(fs, outPath, m); err != nil {
				return err
			}

			fmt.Printf("Wrote %s\n", outPath)
			printManifest(m)

			if !seed {
				return nil
			}
			return seedManifest(cmd.Context(), m, segments)
		},
	}

	cmd.Flags().StringVar(&initPath, "init", "", "init segment file")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output path (default <hash>.manifest)")
	cmd.Flags().StringSliceVarP(&trackers, "tracker", "t", nil, "tracker url, repeatable")
	cmd.Flags().StringVar(&algorithm, "algorithm", checksum.Default, "checksum algorithm")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "chunk size in bytes, a power of two (default automatic)")
	cmd.Flags().DurationVar(&segDur, "segment-duration", 2*time.Second, "duration of one segment")
	cmd.Flags().BoolVar(&seed, "seed", false, "store the segments and remember the manifest so serve seeds it")
	return cmd
}

func seedManifest(ctx context.Context, m *domain.Manifest, segments [][]byte) error {
	cfg, log, err := loadEnv(false)
	if err != nil {
		return err
	}

	a := app.NewContext(cfg, log)
	if err := a.Open(ctx); err != nil {
		return err
	}
	defer a.Close()

	if err := a.Seed(ctx, m, segments); err != nil {
		return err
	}
	if err := a.Store.SaveManifest(ctx, m); err != nil {
		return err
	}
	for i := range segments {
		if err := a.Store.MarkSegmentComplete(ctx, m.Hash, i, int64(len(segments[i]))); err != nil {
			return err
		}
	}

	fmt.Printf("Seeded %d segment(s) into %s storage\n", len(segments), cfg.Storage.Backend)
	return nil
}

func newManifestInspectCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "inspect MANIFEST",
		Short: "Print a manifest summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(afero.NewOsFs(), args[0])
			if err != nil {
				return err
			}

			printManifest(m)
			if !verbose {
				return nil
			}

			s := m.Active()
			for i, seg := range s.Segments {
				fmt.Printf("  #%-4d %9s  %-10s %3d chunks  first %s\n",
					i,
					time.Duration(seg.Timecode)*time.Millisecond,
					humanize.IBytes(uint64(seg.Length)),
					len(seg.Checksums),
					shortSum(seg.Checksums),
				)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every segment")
	return cmd
}

func printManifest(m *domain.Manifest) {
	s := m.Active()
	chunks := 0
	for _, n := range m.ChunkCounts() {
		chunks += n
	}

	fmt.Printf("Hash:      %s\n", m.Hash)
	fmt.Printf("Algorithm: %s\n", m.Algorithm)
	fmt.Printf("Streams:   %d\n", len(m.Streams))
	fmt.Printf("Init:      %s\n", humanize.IBytes(uint64(len(s.Init))))
	fmt.Printf("Segments:  %d (%s)\n", len(s.Segments), humanize.IBytes(uint64(s.TotalLength())))
	fmt.Printf("Chunks:    %s of %s\n", humanize.Comma(int64(chunks)), humanize.IBytes(uint64(s.ChunkSize)))
	for _, t := range m.Trackers {
		fmt.Printf("Tracker:   %s\n", t)
	}
}

func shortSum(sums [][]byte) string {
	if len(sums) == 0 {
		return "-"
	}
	h := hex.EncodeToString(sums[0])
	if len(h) > 12 {
		h = h[:12]
	}
	return h
}
