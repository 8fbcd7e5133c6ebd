package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tutu-network/tunekit/internal/domain"
)

// ─── Progress Bar ───────────────────────────────────────────────────────────
// A terminal progress bar for training runs.
// Shows:   [=========>..................]  52% | epoch 2/3 | loss 0.8123 | step 1,204 | ETA 35s

const barWidth = 30 // Characters for the progress bar

type progressBar struct {
	w       io.Writer
	started time.Time
	now     func() time.Time
}

func newProgressBar(w io.Writer) *progressBar {
	return &progressBar{w: w, started: time.Now(), now: time.Now}
}

// render draws one progress event.
func (p *progressBar) render(ev domain.ProgressEvent) {
	switch ev.Type {
	case domain.EventProgress:
		p.renderBar(ev, p.now())
	default:
		p.renderSimple(ev)
	}
}

func (p *progressBar) renderSimple(ev domain.ProgressEvent) {
	p.clearLine()
	switch ev.Type {
	case domain.EventCompletion:
		if !ev.Succeeded() {
			fmt.Fprintf(p.w, "[failed] %s\n", firstNonEmpty(ev.Error, ev.Message, "engine reported failure"))
			return
		}
		line := "[done] " + firstNonEmpty(ev.Message, "training complete")
		if ev.FinalLoss != nil {
			line += fmt.Sprintf(" | final loss %.4f", *ev.FinalLoss)
		}
		if ev.ModelPath != "" {
			line += " | " + ev.ModelPath
		}
		fmt.Fprintln(p.w, line)
	case domain.EventError:
		fmt.Fprintf(p.w, "[error] %s\n", firstNonEmpty(ev.Error, ev.Message, "training failed"))
	case domain.EventProtocolError:
		fmt.Fprintf(p.w, "[warn] unreadable engine output: %s\n", truncate(ev.Raw, 60))
	default:
		fmt.Fprintf(p.w, "[...] %s", ev.Message)
	}
}

func (p *progressBar) renderBar(ev domain.ProgressEvent, now time.Time) {
	pct := ev.Progress
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	// Build the bar: [=======>............]
	filled := int(pct / 100 * float64(barWidth))
	if filled > barWidth {
		filled = barWidth
	}
	empty := barWidth - filled

	var bar string
	if filled == barWidth {
		bar = strings.Repeat("=", filled)
	} else if filled > 0 {
		bar = strings.Repeat("=", filled-1) + ">" + strings.Repeat(".", empty)
	} else {
		bar = strings.Repeat(".", barWidth)
	}

	parts := []string{fmt.Sprintf("epoch %d/%d", ev.Epoch, ev.TotalEpochs)}
	if ev.Loss != nil {
		parts = append(parts, fmt.Sprintf("loss %.4f", *ev.Loss))
	}
	if ev.Step > 0 {
		parts = append(parts, "step "+humanize.Comma(int64(ev.Step)))
	}
	parts = append(parts, p.calculateETA(pct, now))

	p.clearLine()
	fmt.Fprintf(p.w, "  [%s] %3.0f%% | %s", bar, pct, strings.Join(parts, " | "))
}

func (p *progressBar) calculateETA(pct float64, now time.Time) string {
	if pct <= 0 || pct >= 100 {
		return "ETA --"
	}

	elapsed := now.Sub(p.started).Seconds()
	if elapsed < 1 {
		return "ETA --"
	}

	totalEstimated := elapsed / (pct / 100)
	remaining := totalEstimated - elapsed

	if remaining < 0 {
		remaining = 0
	}

	if remaining < 60 {
		return fmt.Sprintf("ETA %ds", int(remaining))
	}
	if remaining < 3600 {
		return fmt.Sprintf("ETA %dm%ds", int(remaining)/60, int(remaining)%60)
	}
	return fmt.Sprintf("ETA %dh%dm", int(remaining)/3600, (int(remaining)%3600)/60)
}

func (p *progressBar) clearLine() {
	fmt.Fprint(p.w, "\r\033[K")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
