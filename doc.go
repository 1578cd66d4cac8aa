// Package terrain provides incremental, GPU-accelerated terrain
// regeneration for editor-style applications.
//
// # Overview
//
// A Terrain session owns a grid of fixed-size regions. Procedural
// layers (elevation blends, material paints, stamped features) cover
// arbitrary world-space footprints; manual sculpt edits persist on top
// of the procedural result. When layers or edits change, only the
// affected regions are regenerated, as deferred compute work driven by
// a cooperative scheduler.
//
// # Quick Start
//
//	sess, err := terrain.New(terrain.Config{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Close()
//
//	layer := terrain.NewElevationLayer("hill", terrain.WorldRect{MaxX: 100, MaxY: 100},
//		terrain.BlendAdd, 25)
//	sess.AddLayer(layer)
//
//	if err := sess.Process(); err != nil {
//		log.Fatal(err)
//	}
//	if err := sess.Drain(0); err != nil {
//		log.Fatal(err)
//	}
//
//	heights, _ := sess.Elevation(terrain.Coords{X: 0, Y: 0})
//
// # Regeneration Pipeline
//
// Each dirty region regenerates through a fixed phase order: reset,
// per-layer coverage masks, layer compositing in paint order, feature
// stamping, smoothing, manual edit re-application, instance placement,
// and preview refresh. Phases are scheduled as tasks whose dependency
// edges and declared resource access keep execution correct while
// batches of commands are submitted asynchronously.
//
// # Backends
//
// Compute runs on a pluggable backend. The cpu backend (always
// available) executes registered Go mirrors of the WGSL kernels
// synchronously; the wgpu backend dispatches the compiled kernels on a
// GPU device. See the backend package.
//
// # Logging
//
// The package is silent by default. Call SetLogger to enable
// diagnostics:
//
//	terrain.SetLogger(slog.Default())
package terrain
