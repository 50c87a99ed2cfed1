package main

import (
	"context"
	"fmt"
	"image/color"
	"io"
	"net/netip"
	"sort"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/autointersection/internal/beacon"
	"github.com/banshee-data/autointersection/internal/intersection"
	"github.com/banshee-data/autointersection/internal/neighbor"
	"github.com/banshee-data/autointersection/internal/timeutil"
)

// Options describe the vehicle whose decisions are replayed.
type Options struct {
	Self         netip.Addr
	Port         int
	Entry        string
	Exit         string
	Kind         beacon.Kind
	Arbitration  string
	Intersection string
	MaxAge       time.Duration
}

// Sample is the replayed vehicle's view right after one captured beacon.
type Sample struct {
	At       time.Time
	From     int
	Status   beacon.Status
	Decision neighbor.SafeState
	Table    []neighbor.State
}

// replay feeds every captured beacon into a neighbor table owned by
// opts.Self and records the safety decision after each one.
func replay(ctx context.Context, r io.Reader, opts Options) ([]Sample, error) {
	specs, err := intersection.Lookup(opts.Intersection)
	if err != nil {
		return nil, err
	}
	arb, err := neighbor.ParseArbitration(opts.Arbitration)
	if err != nil {
		return nil, err
	}
	policy, err := neighbor.NewPolicy(opts.Kind, arb, specs)
	if err != nil {
		return nil, err
	}

	var clock *timeutil.MockClock
	var list *neighbor.List
	var samples []Sample
	_, err = beacon.ReplayPCAP(ctx, r, opts.Port, func(c beacon.Captured) error {
		if clock == nil {
			clock = timeutil.NewMockClock(c.Time)
			list = neighbor.New(neighbor.Config{
				LocalAddr: opts.Self, Entry: opts.Entry, Exit: opts.Exit, Policy: policy, Clock: clock,
			})
		}
		clock.Set(c.Time)
		list.Update(c.Beacon)
		list.FlushOldEntries(opts.MaxAge)
		samples = append(samples, Sample{
			At:       c.Time,
			From:     c.Beacon.ID(),
			Status:   c.Beacon.Status,
			Decision: list.IsSafeToCross(),
			Table:    list.Snapshot(),
		})
		return nil
	})
	if err != nil {
		return samples, err
	}
	return samples, nil
}

// decisionChanges returns the samples at which the decision flipped.
func decisionChanges(samples []Sample) []Sample {
	var out []Sample
	for i, s := range samples {
		prev := neighbor.SafeState{}
		if i > 0 {
			prev = samples[i-1].Decision
		}
		if i == 0 || s.Decision.Safe != prev.Safe || !s.Decision.At.Equal(prev.At) {
			out = append(out, s)
		}
	}
	return out
}

// plotTimeline draws each neighbor's advertised status and the local
// decision against seconds since the first beacon.
func plotTimeline(samples []Sample, title, path string) error {
	if len(samples) == 0 {
		return fmt.Errorf("no beacons to plot")
	}
	t0 := samples[0].At

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Status"
	p.Y.Tick.Marker = plot.ConstantTicks([]plot.Tick{
		{Value: -1, Label: "unsafe"},
		{Value: -0.5, Label: "safe"},
		{Value: float64(beacon.Idle), Label: beacon.Idle.String()},
		{Value: float64(beacon.Requesting), Label: beacon.Requesting.String()},
		{Value: float64(beacon.Crossing), Label: beacon.Crossing.String()},
		{Value: float64(beacon.Exiting), Label: beacon.Exiting.String()},
	})

	byID := make(map[int]plotter.XYs)
	decision := make(plotter.XYs, 0, len(samples))
	for _, s := range samples {
		x := s.At.Sub(t0).Seconds()
		byID[s.From] = append(byID[s.From], plotter.XY{X: x, Y: float64(s.Status)})
		y := -1.0
		if s.Decision.Safe {
			y = -0.5
		}
		decision = append(decision, plotter.XY{X: x, Y: y})
	}

	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for i, id := range ids {
		line, err := plotter.NewLine(byID[id])
		if err != nil {
			return fmt.Errorf("failed to plot vehicle %d: %w", id, err)
		}
		line.Width = vg.Points(1)
		line.Color = palette[i%len(palette)]
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("vehicle %d", id), line)
	}

	line, err := plotter.NewLine(decision)
	if err != nil {
		return fmt.Errorf("failed to plot decision: %w", err)
	}
	line.Width = vg.Points(2)
	line.Color = color.Black
	p.Add(line)
	p.Legend.Add("decision", line)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}
	return nil
}

var palette = []color.Color{
	color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	color.RGBA{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
}
