// Command beacon-replay re-runs a vehicle's V2V safety decisions over a
// beacon capture recorded with the vehicle's capture_path option.
//
// Usage:
//
//	beacon-replay -pcap beacons.pcap -self 10.0.0.4 -entry E1 -exit X3 [-plot timeline.png]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/autointersection/internal/beacon"
	"github.com/banshee-data/autointersection/internal/config"
)

var (
	pcapPath    = flag.String("pcap", "", "Beacon capture to replay (required)")
	selfAddr    = flag.String("self", "", "Address of the vehicle whose decisions are replayed (required)")
	port        = flag.Int("port", config.DefaultBeaconPort, "Beacon UDP port")
	entry       = flag.String("entry", "E1", "Entry lane of the replayed vehicle")
	exit        = flag.String("exit", "X3", "Exit lane of the replayed vehicle")
	kind        = flag.String("policy", string(beacon.Parallel), "V2V policy: serial, parallel or reservation")
	arbitration = flag.String("arbitration", config.DefaultArbitration, "lower-id or higher-id")
	layout      = flag.String("intersection", config.DefaultIntersection, "Intersection layout")
	maxAge      = flag.Duration("max-age", config.DefaultBeaconMaxPeriod*config.DefaultMaxConsecutiveLost, "Neighbor expiry")
	plotPath    = flag.String("plot", "", "Write a status timeline PNG to this path")
	verbose     = flag.Bool("v", false, "Print every beacon, not just decision changes")
)

func main() {
	flag.Parse()
	if *pcapPath == "" || *selfAddr == "" {
		flag.Usage()
		os.Exit(2)
	}
	self, err := netip.ParseAddr(*selfAddr)
	if err != nil {
		log.Fatalf("invalid -self: %v", err)
	}

	f, err := os.Open(*pcapPath)
	if err != nil {
		log.Fatalf("failed to open capture: %v", err)
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	samples, err := replay(ctx, f, Options{
		Self:         self,
		Port:         *port,
		Entry:        *entry,
		Exit:         *exit,
		Kind:         beacon.Kind(*kind),
		Arbitration:  *arbitration,
		Intersection: *layout,
		MaxAge:       *maxAge,
	})
	if err != nil {
		log.Fatalf("replay failed after %d beacons: %v", len(samples), err)
	}
	log.Printf("replayed %d beacons", len(samples))
	if len(samples) == 0 {
		return
	}

	shown := samples
	if !*verbose {
		shown = decisionChanges(samples)
	}
	t0 := samples[0].At
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "T+\tFROM\tSTATUS\tNEIGHBORS\tDECISION")
	for _, s := range shown {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", s.At.Sub(t0).Round(time.Millisecond), s.From, s.Status, len(s.Table), s.Decision)
	}
	w.Flush()

	if *plotPath != "" {
		title := fmt.Sprintf("%s %s->%s (%s)", self, *entry, *exit, *kind)
		if err := plotTimeline(samples, title, *plotPath); err != nil {
			log.Fatalf("%v", err)
		}
		log.Printf("wrote %s", *plotPath)
	}
}
