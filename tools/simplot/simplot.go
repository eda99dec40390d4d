// Simple tool to parse a simulation tick log (JSONL, as produced by the sim
// command with -log) and plot the rotation distance and spring displacement
// traces over time.

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"image/color"
	"log"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgpdf"
)

type tickHeader struct {
	RDStart    float64 `json:"rd_start"`
	SensorType string  `json:"sensor_type"`
	TrueRD     float64 `json:"true_rd"`
}

type tickInput struct {
	TimeS float64 `json:"t_s"`
}

type tickOutput struct {
	RDCurrent float64 `json:"rd_current"`
	RDTuned   float64 `json:"rd_tuned"`
	RDRef     float64 `json:"rd_ref"`
	XEst      float64 `json:"x_est"`
	XTrue     float64 `json:"x_true"`
	SensorUI  float64 `json:"sensor_ui"`
	FlowLevel float64 `json:"flow_level"`
	Trigger   string  `json:"trigger"`
}

type tickRecord struct {
	Header *tickHeader `json:"header"`
	Input  *tickInput  `json:"input"`
	Output *tickOutput `json:"output"`
}

func newLine(data plotter.XYs, c color.RGBA) *plotter.Line {
	l, err := plotter.NewLine(data)
	if err != nil {
		log.Fatalf("error during plot: %s", err)
	}
	l.Color = c
	return l
}

func main() {
	flag.Parse()

	fn0 := flag.Arg(0)
	f0, err := os.Open(fn0)
	if err != nil {
		log.Fatalf("failed to open file: '%s', %s", fn0, err)
	}
	defer f0.Close()

	var hdr tickHeader
	var rdCurrent, rdTuned, rdRef, rdTrue plotter.XYs
	var xEst, xTrue, sensorUI, flowLevel plotter.XYs

	s := bufio.NewScanner(f0)
	for s.Scan() {
		var rec tickRecord
		err = json.Unmarshal(s.Bytes(), &rec)
		if err != nil {
			log.Fatalf("failed to parse line: %s, %s", s.Text(), err)
		}
		if rec.Header != nil {
			hdr = *rec.Header
			continue
		}
		if rec.Input == nil || rec.Output == nil {
			continue
		}
		t := rec.Input.TimeS
		rdCurrent = append(rdCurrent, plotter.XY{X: t, Y: rec.Output.RDCurrent})
		rdTuned = append(rdTuned, plotter.XY{X: t, Y: rec.Output.RDTuned})
		rdRef = append(rdRef, plotter.XY{X: t, Y: rec.Output.RDRef})
		rdTrue = append(rdTrue, plotter.XY{X: t, Y: hdr.TrueRD})
		xEst = append(xEst, plotter.XY{X: t, Y: rec.Output.XEst})
		xTrue = append(xTrue, plotter.XY{X: t, Y: rec.Output.XTrue})
		sensorUI = append(sensorUI, plotter.XY{X: t, Y: rec.Output.SensorUI})
		flowLevel = append(flowLevel, plotter.XY{X: t, Y: rec.Output.FlowLevel})
	}
	if err := s.Err(); err != nil {
		log.Fatalf("error during scan: %s", err)
	}
	if len(rdCurrent) == 0 {
		log.Fatalf("no tick records in file: '%s'", fn0)
	}

	p0 := plot.New()
	p0.Title.Text = "Rotation distance (" + hdr.SensorType + ")"
	p0.X.Label.Text = "Time [s]"
	p0.X.Label.Padding = vg.Points(5)
	p0.Y.Label.Text = "rd [mm]"
	p0.Y.Label.Padding = vg.Points(5)
	p0.Add(plotter.NewGrid())
	lCurrent := newLine(rdCurrent, color.RGBA{R: 31, G: 119, B: 180, A: 255})
	lTuned := newLine(rdTuned, color.RGBA{R: 255, G: 127, B: 14, A: 255})
	lRef := newLine(rdRef, color.RGBA{R: 44, G: 160, B: 44, A: 255})
	lTrue := newLine(rdTrue, color.RGBA{R: 127, G: 127, B: 127, A: 255})
	lTrue.Dashes = []vg.Length{vg.Points(3), vg.Points(3)}
	p0.Add(lCurrent, lTuned, lRef, lTrue)
	p0.Legend.Add("current", lCurrent)
	p0.Legend.Add("tuned", lTuned)
	p0.Legend.Add("ref", lRef)
	p0.Legend.Add("true", lTrue)
	p0.Legend.Top = true

	p1 := plot.New()
	p1.Title.Text = "Spring state"
	p1.X.Label.Text = "Time [s]"
	p1.X.Label.Padding = vg.Points(5)
	p1.Y.Label.Text = "x [-1..1]"
	p1.Y.Label.Padding = vg.Points(5)
	p1.Add(plotter.NewGrid())
	lXEst := newLine(xEst, color.RGBA{R: 31, G: 119, B: 180, A: 255})
	lXTrue := newLine(xTrue, color.RGBA{R: 127, G: 127, B: 127, A: 255})
	lXTrue.Dashes = []vg.Length{vg.Points(3), vg.Points(3)}
	lUI := newLine(sensorUI, color.RGBA{R: 148, G: 103, B: 189, A: 255})
	lFlow := newLine(flowLevel, color.RGBA{R: 214, G: 39, B: 40, A: 255})
	p1.Add(lXEst, lXTrue, lUI, lFlow)
	p1.Legend.Add("x est", lXEst)
	p1.Legend.Add("x true", lXTrue)
	p1.Legend.Add("sensor ui", lUI)
	p1.Legend.Add("flow level", lFlow)
	p1.Legend.Top = true

	c := vgpdf.New(8.5*vg.Inch, 3*vg.Inch)
	c.EmbedFonts(true)
	dc := draw.New(c)
	dc = draw.Crop(dc, 1*vg.Millimeter, -1*vg.Millimeter, 1*vg.Millimeter, -1*vg.Millimeter)
	p0.Draw(dc)

	c.NextPage()
	dc = draw.New(c)
	dc = draw.Crop(dc, 1*vg.Millimeter, -1*vg.Millimeter, 1*vg.Millimeter, -1*vg.Millimeter)
	p1.Draw(dc)

	fext := filepath.Ext(fn0)
	fn1 := fn0[:len(fn0)-len(fext)] + ".pdf"
	f1, err := os.Create(fn1)
	if err != nil {
		log.Fatalf("failed to create file: %s, %s", fn1, err)
	}
	defer f1.Close()
	_, err = c.WriteTo(f1)
	if err != nil {
		log.Fatalf("failed to write file: %s, %s", fn1, err)
	}
}
