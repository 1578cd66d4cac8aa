// Command terraindemo builds a small procedural terrain, sculpts it,
// and saves each region's preview image.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"log/slog"
	"os"

	"github.com/gogpu/terrain"
)

func main() {
	var (
		regionTexels = flag.Int("texels", 128, "region grid edge length")
		worldSize    = flag.Float64("world", 256, "world edge length to generate")
		output       = flag.String("output", "terrain", "output file prefix")
		verbose      = flag.Bool("v", false, "log scheduling diagnostics")
	)
	flag.Parse()

	if *verbose {
		terrain.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	sess, err := terrain.New(terrain.Config{
		RegionTexels:  *regionTexels,
		BaseElevation: 20,
		SmoothPasses:  1,
	})
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	defer sess.Close()
	log.Printf("Using %s backend", sess.Backend().Name())

	world := terrain.WorldRect{MaxX: *worldSize, MaxY: *worldSize}
	buildLayers(sess, *worldSize)

	// First full generation.
	sess.MarkWorldDirty(world)
	if err := sess.Process(); err != nil {
		log.Fatalf("Failed to schedule: %v", err)
	}
	if err := sess.Drain(0); err != nil {
		log.Fatalf("Failed to drain: %v", err)
	}

	// A manual sculpt pass on the origin region, regenerated
	// incrementally on top of the procedural stack.
	crater := make([]float32, 16*16)
	for i := range crater {
		crater[i] = -6
	}
	if err := sess.Sculpt(terrain.Coords{}, terrain.TexelRect{X0: 8, Y0: 8, X1: 24, Y1: 24}, crater); err != nil {
		log.Fatalf("Failed to sculpt: %v", err)
	}
	if err := sess.Process(); err != nil {
		log.Fatalf("Failed to schedule: %v", err)
	}
	if err := sess.Drain(0); err != nil {
		log.Fatalf("Failed to drain: %v", err)
	}

	saved := 0
	for _, c := range regionGrid(sess.Config(), *worldSize) {
		img := sess.Preview(c)
		if img == nil {
			continue
		}
		name := fmt.Sprintf("%s_%d_%d.png", *output, c.X, c.Y)
		if err := savePNG(name, img); err != nil {
			log.Fatalf("Failed to save %s: %v", name, err)
		}
		saved++
	}
	log.Printf("Saved %d region previews with prefix %q", saved, *output)
}

func buildLayers(sess *terrain.Terrain, worldSize float64) {
	// A broad hill, a rocky cap, and a road cut through the middle.
	hill := terrain.NewElevationLayer("hill",
		terrain.WorldRect{MinX: worldSize * 0.1, MinY: worldSize * 0.1, MaxX: worldSize * 0.7, MaxY: worldSize * 0.7},
		terrain.BlendAdd, 30)
	hill.SetFalloff(worldSize * 0.2)
	sess.AddLayer(hill)

	rock := terrain.NewMaterialLayer("rock cap",
		terrain.WorldRect{MinX: worldSize * 0.25, MinY: worldSize * 0.25, MaxX: worldSize * 0.55, MaxY: worldSize * 0.55},
		1)
	rock.SetFalloff(worldSize * 0.1)
	sess.AddLayer(rock)

	road := terrain.NewFeatureLayer("road",
		terrain.WorldRect{MinY: worldSize * 0.45, MaxX: worldSize, MaxY: worldSize * 0.55},
		-4)
	road.SetFalloff(worldSize * 0.02)
	sess.AddLayer(road)
}

func regionGrid(cfg terrain.Config, worldSize float64) []terrain.Coords {
	per := float64(cfg.RegionTexels) * cfg.TexelSize
	n := int(worldSize / per)
	if n < 1 {
		n = 1
	}
	var out []terrain.Coords
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			out = append(out, terrain.Coords{X: x, Y: y})
		}
	}
	return out
}

func savePNG(name string, img image.Image) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
