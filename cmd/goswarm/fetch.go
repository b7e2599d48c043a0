package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/datallboy/goswarm/internal/app"
	"github.com/datallboy/goswarm/internal/domain"
	"github.com/datallboy/goswarm/internal/manifest"
	"github.com/datallboy/goswarm/internal/swarm"
)

func newFetchCmd() *cobra.Command {
	var (
		outPath string
		from    int
		to      int
	)

	cmd := &cobra.Command{
		Use:   "fetch [flags] MANIFEST",
		Short: "Download content from the swarm into a single file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadEnv(false)
			if err != nil {
				return err
			}

			m, err := manifest.Load(afero.NewOsFs(), args[0])
			if err != nil {
				return err
			}

			segments := len(m.Active().Segments)
			if to < 0 || to >= segments {
				to = segments - 1
			}
			if from < 0 || from > to {
				return fmt.Errorf("segment range %d..%d is outside 0..%d", from, to, segments-1)
			}

			if outPath == "" {
				outPath = m.Hash + ".bin"
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := newFetchProgress(m, from, to)

			a := app.NewContext(cfg, log)
			a.Hooks = swarm.Hooks{
				OnChunk: func(hash string, segment, chunk int) {
					if hash == m.Hash {
						_, length := m.Active().ChunkRange(segment, chunk)
						p.chunk(segment, length)
					}
				},
			}
			if err := a.Open(ctx); err != nil {
				return err
			}
			defer a.Close()

			h, err := a.Session.AddManifest(ctx, m)
			if err != nil {
				return err
			}

			out, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer out.Close()

			done := make(chan struct{})
			go p.render(done)

			err = fetchInto(ctx, h, m, out, from, to, p)
			close(done)
			p.print(true)
			fmt.Println()

			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default <hash>.bin)")
	cmd.Flags().IntVar(&from, "from", 0, "first segment")
	cmd.Flags().IntVar(&to, "to", -1, "last segment (default the final one)")
	return cmd
}

// fetchInto writes the init segment, then each segment in order.
func fetchInto(ctx context.Context, h *swarm.SessionHandle, m *domain.Manifest, out *os.File, from, to int, p *fetchProgress) error {
	if init := m.Active().Init; len(init) > 0 && from == 0 {
		if _, err := out.Write(init); err != nil {
			return err
		}
	}

	for i := from; i <= to; i++ {
		data, err := h.FetchSegment(ctx, i)
		if err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		p.segment(i, int64(len(data)))

		if _, err := out.Write(data); err != nil {
			return err
		}
	}
	return nil
}

type fetchProgress struct {
	total   int64
	written atomic.Int64
	started time.Time

	mu         sync.Mutex
	perSegment map[int]int64
}

func newFetchProgress(m *domain.Manifest, from, to int) *fetchProgress {
	p := &fetchProgress{
		started:    time.Now(),
		perSegment: make(map[int]int64),
	}
	for i := from; i <= to; i++ {
		p.total += m.Active().Segments[i].Length
	}
	return p
}

func (p *fetchProgress) chunk(segment int, n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.perSegment[segment] += n
	p.written.Add(n)
}

// segment tops up a finished segment, covering bytes that came from storage.
func (p *fetchProgress) segment(segment int, n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if add := n - p.perSegment[segment]; add > 0 {
		p.written.Add(add)
	}
	p.perSegment[segment] = n
}

func (p *fetchProgress) render(done <-chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.print(false)
		}
	}
}
