package main

import (
	"context"
	"fmt"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf"
)

// reportStats periodically prints stream and consumer statistics.
func reportStats(ctx context.Context, interval time.Duration, streams []*visionbuf.CameraStream, consumers []*Consumer) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printLiveStats(time.Since(start), streams, consumers)
		}
	}
}

func printLiveStats(uptime time.Duration, streams []*visionbuf.CameraStream, consumers []*Consumer) {
	fmt.Println()
	fmt.Println("╭─────────────────────────────────────────────────────────────────╮")
	fmt.Printf("│ visionbufd (uptime %v)\n", uptime.Round(time.Second))
	fmt.Println("├─────────────────────────────────────────────────────────────────┤")

	for _, s := range streams {
		st, err := s.Stats()
		if err != nil {
			fmt.Printf("│ %-8s %s\n", s.Camera(), s.State())
			continue
		}
		in, p := st.Ingest, st.Pool
		fmt.Printf("│ %-8s session %s  up %v\n", st.Camera, shortID(st.ID), time.Since(st.Since).Round(time.Second))
		fmt.Printf("│   received %8d  published %8d  last frame %d\n", in.Received, in.Published, in.LastFrameID)
		fmt.Printf("│   dropped  malformed %d  oversized %d  busy %d  copy %d\n",
			in.Malformed, in.Oversized, in.Busy, in.CopyErrors)
		fmt.Printf("│   slots    free %d  writing %d  ready %d  reading %d  overwrites %d\n",
			p.Free, p.Writing, p.Ready, p.Reading, p.Overwrites)
		fmt.Printf("│   rate     %.2f fps (±%.2f)  jitter %.3fs  stable %v\n",
			st.Rate.FPSMean, st.Rate.FPSStdDev, st.Rate.JitterMean, st.Rate.Stable)
	}

	if len(consumers) > 0 {
		fmt.Println("├─────────────────────────────────────────────────────────────────┤")
		for _, c := range consumers {
			cs := c.Stats()
			fmt.Printf("│ %-10s processed %8d  skipped %6d  invalid %d  last frame %d\n",
				cs.ID, cs.Processed, cs.Skipped, cs.Invalid, cs.LastFrameID)
		}
	}
	fmt.Println("╰─────────────────────────────────────────────────────────────────╯")
}

func printFinalStats(streams []*visionbuf.CameraStream, consumers []*Consumer) {
	fmt.Println()
	fmt.Println("Final statistics:")
	for _, s := range streams {
		fmt.Printf("  %-8s state %s  last session %s\n", s.Camera(), s.State(), shortID(s.ID()))
	}
	for _, c := range consumers {
		cs := c.Stats()
		fmt.Printf("  %-10s processed %d  skipped %d  invalid %d\n", cs.ID, cs.Processed, cs.Skipped, cs.Invalid)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
