// Package visionbuf hands camera frames from a frame source to GPU-visible
// buffers that any number of readers can consume without copies.
//
// Each camera stream owns a small rotation pool (three slots by default).
// One producer goroutine receives serialized frame units, copies the pixels
// into a free or stale slot and publishes it; readers always get the newest
// frame and hold it until they release it. The producer never waits for
// readers: when every slot is held the incoming frame is dropped.
//
// # Quick Start
//
//	stream, err := visionbuf.New(visionbuf.Config{
//	    Camera:   "rear",
//	    SlotSize: 874 * 3492,
//	    FPS:      20,
//	}, opener)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := stream.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer stream.Stop()
//
//	reader, _ := stream.Reader()
//	var last uint64
//	for {
//	    h, err := reader.AcquireLatest(ctx, last)
//	    if err != nil {
//	        break // visionbuf.ErrClosed after Stop
//	    }
//	    last = h.Seq()
//	    process(h.Metadata(), h.Data())
//	    reader.Release(h)
//	}
//
// # Sources
//
// An Opener produces a Source per Start. The daemon wires NATS subjects
// (internal/source/natssource) or RTSP streams decoded by GStreamer
// (internal/source/gstsource); tests and demos use an in-process channel.
//
// # Frame lifetime
//
// A Handle's Data is valid until Release. Releasing the last handle on a
// slot makes it eligible for the next frame. Stop wakes every blocked reader
// with ErrClosed; memory is freed once the last outstanding handle is
// released.
package visionbuf
