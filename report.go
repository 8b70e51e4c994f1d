package main

/*
WHAT'S GOING ON HERE?

A self-contained HTML page summarizing a training run: loss curve,
learning rate schedule and a few summary numbers, drawn from the trainer's
log_history. Charts are inline SVG, so the file opens in any browser with
no scripts and nothing to fetch.

The page is written next to trainer_state.json at the end of training.
*/

import (
	"fmt"
	"math"
	"os"
	"strings"
)

const trainingReportFile = "training_report.html"

const (
	chartWidth   = 720
	chartHeight  = 240
	chartPadding = 48
)

// writeTrainingReport renders the step entries of history to path.
func writeTrainingReport(path string, history []LogEntry) error {
	var steps []int
	var losses, lrs []float64
	var summary *LogEntry
	for i := range history {
		e := history[i]
		if e.TrainRuntime > 0 || e.TrainLoss != 0 {
			summary = &history[i]
			continue
		}
		steps = append(steps, e.Step)
		losses = append(losses, e.Loss)
		lrs = append(lrs, e.LearningRate)
	}
	if len(steps) == 0 {
		return fmt.Errorf("report: no logged steps")
	}

	minLoss, _ := minMax(losses)
	finalLoss := losses[len(losses)-1]
	runtime := 0.0
	if summary != nil {
		runtime = summary.TrainRuntime
	}

	var b strings.Builder
	b.WriteString(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>Training Report</title>
<style>
body { font-family: -apple-system, 'Segoe UI', sans-serif; background: #0d1117; color: #c9d1d9; padding: 20px; }
h1 { color: #58a6ff; font-size: 24px; }
.stats { display: flex; gap: 15px; margin-bottom: 20px; }
.stat { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 12px 16px; }
.label { font-size: 12px; color: #8b949e; text-transform: uppercase; }
.value { font-size: 20px; color: #58a6ff; }
svg { background: #161b22; border: 1px solid #30363d; border-radius: 6px; margin-bottom: 20px; }
text { fill: #8b949e; font: 11px monospace; }
</style>
</head>
<body>
<h1>Training Report</h1>
<div class="stats">
`)
	for _, s := range []struct {
		label, value string
	}{
		{"Steps", fmt.Sprint(steps[len(steps)-1])},
		{"Final loss", fmt.Sprintf("%.4f", finalLoss)},
		{"Min loss", fmt.Sprintf("%.4f", minLoss)},
		{"Runtime", fmt.Sprintf("%.1fs", runtime)},
	} {
		fmt.Fprintf(&b, "<div class=\"stat\"><div class=\"label\">%s</div><div class=\"value\">%s</div></div>\n", s.label, s.value)
	}
	b.WriteString("</div>\n")

	writeLineChart(&b, "Loss", steps, losses, "#58a6ff")
	writeLineChart(&b, "Learning rate", steps, lrs, "#56d364")
	b.WriteString("</body>\n</html>\n")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

// writeLineChart appends an SVG line chart of ys against steps.
func writeLineChart(b *strings.Builder, title string, steps []int, ys []float64, color string) {
	lo, hi := minMax(ys)
	if hi == lo {
		hi = lo + 1
	}
	first, last := float64(steps[0]), float64(steps[len(steps)-1])
	if last == first {
		last = first + 1
	}

	w := float64(chartWidth - 2*chartPadding)
	h := float64(chartHeight - 2*chartPadding)

	fmt.Fprintf(b, "<svg width=\"%d\" height=\"%d\" role=\"img\" aria-label=\"%s\">\n", chartWidth, chartHeight, title)
	fmt.Fprintf(b, "<text x=\"%d\" y=\"20\">%s</text>\n", chartPadding, title)
	fmt.Fprintf(b, "<text x=\"4\" y=\"%d\">%.4g</text>\n", chartPadding+4, hi)
	fmt.Fprintf(b, "<text x=\"4\" y=\"%d\">%.4g</text>\n", chartHeight-chartPadding+4, lo)
	fmt.Fprintf(b, "<text x=\"%d\" y=\"%d\">%d</text>\n", chartPadding, chartHeight-chartPadding+20, steps[0])
	fmt.Fprintf(b, "<text x=\"%d\" y=\"%d\">%d</text>\n", chartWidth-chartPadding, chartHeight-chartPadding+20, steps[len(steps)-1])

	points := make([]string, len(ys))
	for i, y := range ys {
		px := float64(chartPadding) + w*(float64(steps[i])-first)/(last-first)
		py := float64(chartHeight-chartPadding) - h*(y-lo)/(hi-lo)
		points[i] = fmt.Sprintf("%.1f,%.1f", px, py)
	}
	fmt.Fprintf(b, "<polyline fill=\"none\" stroke=\"%s\" stroke-width=\"2\" points=\"%s\"/>\n", color, strings.Join(points, " "))
	b.WriteString("</svg>\n")
}

func minMax(xs []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, x := range xs {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}
