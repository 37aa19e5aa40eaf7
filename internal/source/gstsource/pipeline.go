package gstsource

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// pipeline holds the elements that outlive construction.
type pipeline struct {
	pipeline *gst.Pipeline
	sink     *app.Sink
}

// buildPipeline creates, but does not start, a software decode pipeline:
//
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → videoscale →
//	videorate → capsfilter(RGB, WxH, fps) → appsink
//
// rtspsrc pads are dynamic and linked to the depayloader on pad-added.
func buildPipeline(cfg Config) (*pipeline, error) {
	gst.Init(nil)

	pl, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstsource: create pipeline: %w", err)
	}

	rtspsrc, err := newElement("rtspsrc", map[string]any{
		"location":    cfg.RTSPURL,
		"protocols":   4, // TCP only
		"latency":     latencyMillis(float64(cfg.FPS)),
		"ntp-sync":    false,
		"tcp-timeout": uint64(10_000_000), // µs
	})
	if err != nil {
		return nil, err
	}

	depay, err := newElement("rtph264depay", map[string]any{"request-keyframe": true})
	if err != nil {
		return nil, err
	}
	decoder, err := newElement("avdec_h264", map[string]any{
		"max-threads":    0,
		"output-corrupt": false,
	})
	if err != nil {
		return nil, err
	}
	converter, err := newElement("videoconvert", map[string]any{"n-threads": 0})
	if err != nil {
		return nil, err
	}
	scaler, err := newElement("videoscale", nil)
	if err != nil {
		return nil, err
	}
	rate, err := newElement("videorate", map[string]any{
		"drop-only":     true,
		"skip-to-first": true,
	})
	if err != nil {
		return nil, err
	}

	capsfilter, err := newElement("capsfilter", nil)
	if err != nil {
		return nil, err
	}
	if err := capsfilter.SetProperty("caps", gst.NewCapsFromString(capsString(cfg.Width, cfg.Height, float64(cfg.FPS)))); err != nil {
		return nil, fmt.Errorf("gstsource: set caps: %w", err)
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstsource: create appsink: %w", err)
	}
	// Latest frame only; the pool drops stale frames anyway.
	for name, v := range map[string]any{"sync": false, "max-buffers": 1, "drop": true, "qos": true} {
		if err := sink.SetProperty(name, v); err != nil {
			return nil, fmt.Errorf("gstsource: appsink %s: %w", name, err)
		}
	}

	if err := pl.AddMany(rtspsrc, depay, decoder, converter, scaler, rate, capsfilter, sink.Element); err != nil {
		return nil, fmt.Errorf("gstsource: add elements: %w", err)
	}
	if err := gst.ElementLinkMany(depay, decoder, converter, scaler, rate, capsfilter, sink.Element); err != nil {
		return nil, fmt.Errorf("gstsource: link elements: %w", err)
	}

	if _, err := rtspsrc.Connect("pad-added", func(_ *gst.Element, srcPad *gst.Pad) {
		linkDynamicPad(srcPad, depay)
	}); err != nil {
		return nil, fmt.Errorf("gstsource: connect pad-added: %w", err)
	}

	return &pipeline{pipeline: pl, sink: sink}, nil
}

func newElement(factory string, props map[string]any) (*gst.Element, error) {
	el, err := gst.NewElement(factory)
	if err != nil {
		return nil, fmt.Errorf("gstsource: create %s: %w", factory, err)
	}
	for name, v := range props {
		if err := el.SetProperty(name, v); err != nil {
			return nil, fmt.Errorf("gstsource: %s.%s: %w", factory, name, err)
		}
	}
	return el, nil
}

func linkDynamicPad(srcPad *gst.Pad, depay *gst.Element) {
	sinkPad := depay.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("gstsource: depayloader has no sink pad")
		return
	}
	if sinkPad.IsLinked() {
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("gstsource: failed to link rtspsrc pad",
			"src_pad", srcPad.GetName(),
			"ret", ret,
		)
		return
	}
	slog.Debug("gstsource: rtspsrc pad linked", "src_pad", srcPad.GetName())
}

// destroy sets the pipeline to NULL, releasing the connection and decoder.
func (p *pipeline) destroy() error {
	if p == nil || p.pipeline == nil {
		return nil
	}
	if err := p.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstsource: set pipeline NULL: %w", err)
	}
	return nil
}

// latencyMillis picks the rtspsrc jitter buffer: short for slow streams,
// longer for stability at camera rates.
func latencyMillis(fps float64) int {
	if fps <= 2 {
		return 50
	}
	return 200
}

// capsString builds the appsink caps. Rates below 1 fps are expressed as
// 1/N (0.5 → 1/2).
func capsString(width, height int, fps float64) string {
	num, den := 1, 1
	switch {
	case fps <= 0:
		num = 0 // variable rate
	case fps < 1:
		den = int(1/fps + 0.5)
	default:
		num = int(fps)
	}
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d", width, height, num, den)
}
