package ui

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/doridoridoriand/echoprobe/internal/config"
	"github.com/doridoridoriand/echoprobe/internal/state"
	"github.com/gdamore/tcell/v2"
)

const (
	uiRefreshInterval = 500 * time.Millisecond
	minBoxHeight      = 4
	defaultGroup      = "default"
)

// UI renders a TUI view of target status.
type UI struct {
	mu        sync.Mutex
	cfg       config.GlobalOptions
	state     state.Store
	reloadCh  chan<- struct{}
	newScreen func() (tcell.Screen, error)
}

// New returns a UI instance. Pressing r sends on reloadCh without blocking;
// reloadCh may be nil.
func New(cfg config.GlobalOptions, store state.Store, reloadCh chan<- struct{}) *UI {
	return &UI{cfg: cfg, state: store, reloadCh: reloadCh, newScreen: tcell.NewScreen}
}

// UpdateConfig replaces the settings shown in the header.
func (u *UI) UpdateConfig(cfg config.GlobalOptions) {
	u.mu.Lock()
	u.cfg = cfg
	u.mu.Unlock()
}

func (u *UI) config() config.GlobalOptions {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cfg
}

// Run blocks until the context is cancelled or the user quits.
func (u *UI) Run(ctx context.Context) error {
	screen, err := u.newScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	screen.HideCursor()
	defer screen.Fini()

	eventCh := make(chan tcell.Event, 1)
	go func() {
		for {
			ev := screen.PollEvent()
			if ev == nil {
				return
			}
			select {
			case eventCh <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(uiRefreshInterval)
	defer ticker.Stop()

	u.render(screen, u.state.GetSnapshot())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-eventCh:
			switch ev := ev.(type) {
			case *tcell.EventKey:
				if ev.Key() == tcell.KeyCtrlC || ev.Rune() == 'q' {
					return context.Canceled
				}
				if ev.Rune() == 'r' {
					u.requestReload()
				}
			case *tcell.EventResize:
				screen.Sync()
				u.render(screen, u.state.GetSnapshot())
			}
		case <-ticker.C:
			u.render(screen, u.state.GetSnapshot())
		}
	}
}

func (u *UI) requestReload() {
	if u.reloadCh == nil {
		return
	}
	select {
	case u.reloadCh <- struct{}{}:
	default:
	}
}

func (u *UI) render(screen tcell.Screen, snapshot []state.TargetStatus) {
	screen.Clear()
	width, height := screen.Size()
	if width < 20 || height < 5 {
		screen.Show()
		return
	}

	title := fmt.Sprintf(" echoprobe watch  %s", time.Now().Format("2006-01-02 15:04:05"))
	paint(screen, 0, 0, width, []span{{text: title, style: tcell.StyleDefault.Bold(true)}})
	paint(screen, 0, 1, width, []span{{text: formatConfigInfo(u.config()), style: dimStyle}})

	// The last row is reserved for the footer.
	y := 2
	for _, group := range groupTargets(snapshot) {
		room := height - 1 - y
		if room < minBoxHeight {
			break
		}
		boxHeight := min(len(group.Targets)+2, room)
		u.drawGroup(screen, y, width, boxHeight, group)
		y += boxHeight
	}
	paint(screen, 0, height-1, width, footer(snapshot))

	screen.Show()
}

type targetGroup struct {
	Name    string
	Targets []state.TargetStatus
}

// groupTargets keeps groups and targets in the order they first appear in
// the snapshot, which is configuration order.
func groupTargets(snapshot []state.TargetStatus) []targetGroup {
	if len(snapshot) == 0 {
		return nil
	}
	index := make(map[string]int)
	var result []targetGroup
	for _, target := range snapshot {
		name := strings.TrimSpace(target.Group)
		if name == "" {
			name = defaultGroup
		}
		i, ok := index[name]
		if !ok {
			i = len(result)
			index[name] = i
			result = append(result, targetGroup{Name: name})
		}
		result[i].Targets = append(result[i].Targets, target)
	}
	return result
}

func (u *UI) drawGroup(screen tcell.Screen, top, width, height int, group targetGroup) {
	frame(screen, top, width, height)
	paint(screen, 2, top, min(width-4, len([]rune(group.Name))+2), []span{{text: " " + group.Name + " ", style: tcell.StyleDefault.Bold(true)}})

	for i, target := range group.Targets {
		row := top + 1 + i
		if row >= top+height-1 {
			break
		}
		paint(screen, 1, row, width-2, u.formatTargetLine(width-2, target))
	}
}

// column is one fixed-width field of a target line.
type column struct {
	text  string
	width int
	style tcell.Style
}

// formatTargetLine lays the target out in fixed columns and gives the
// remaining width to the RTT bar. The result never exceeds width runes.
func (u *UI) formatTargetLine(width int, target state.TargetStatus) []span {
	health := statusStyle(target.Status)
	mismatch := tcell.StyleDefault
	if target.Mismatches > 0 {
		mismatch = tcell.StyleDefault.Foreground(tcell.ColorYellow)
	}

	columns := []column{
		{target.Name, 14, tcell.StyleDefault},
		{target.Address, 22, tcell.StyleDefault},
		{string(target.Transport), 3, dimStyle},
		{string(target.Status), 7, health},
		{"RTT:" + formatRTT(target.LastRTT), 11, tcell.StyleDefault},
		{"AVG:" + formatRTT(target.AverageRTT()), 11, tcell.StyleDefault},
		{fmt.Sprintf("LOSS:%.1f%%", target.LossPercent()), 11, health},
		{fmt.Sprintf("MISM:%d", target.Mismatches), 8, mismatch},
	}

	var line []span
	used := 0
	for _, col := range columns {
		if used >= width {
			return line
		}
		cell := fit(col.text, min(col.width, width-used))
		line = append(line, span{text: cell, style: col.style})
		used += len([]rune(cell))
		if used < width {
			line = append(line, span{text: " "})
			used++
		}
	}
	if rest := width - used; rest > 0 {
		line = append(line, span{text: buildBar(target, u.config().UIScale, rest), style: health})
	}
	return line
}

// buildBar draws one '#' per scale milliseconds of the latest RTT, padded
// with spaces to width.
func buildBar(target state.TargetStatus, scale int, width int) string {
	if width <= 0 {
		return ""
	}
	if scale <= 0 {
		scale = 10
	}
	ms := float64(target.LastRTT.Microseconds()) / 1000
	units := int(math.Round(ms / float64(scale)))
	units = max(0, min(units, width))
	return strings.Repeat("#", units) + strings.Repeat(" ", width-units)
}

// footer summarises target health next to the key bindings.
func footer(snapshot []state.TargetStatus) []span {
	counts := make(map[state.Status]int)
	for _, target := range snapshot {
		counts[target.Status]++
	}
	spans := []span{{text: fmt.Sprintf(" %d targets ", len(snapshot)), style: dimStyle}}
	for _, status := range []state.Status{state.StatusOK, state.StatusWarn, state.StatusDown, state.StatusUnknown} {
		spans = append(spans, span{text: fmt.Sprintf(" %s:%d", status, counts[status]), style: statusStyle(status)})
	}
	return append(spans, span{text: "   q quit  r reload", style: dimStyle})
}

var dimStyle = tcell.StyleDefault.Foreground(tcell.ColorGray)

type span struct {
	text  string
	style tcell.Style
}

// paint writes spans from column x and blanks the rest of the width.
func paint(screen tcell.Screen, x, y, width int, spans []span) {
	col := x
	end := x + width
	for _, s := range spans {
		for _, r := range s.text {
			if col >= end {
				return
			}
			screen.SetContent(col, y, r, nil, s.style)
			col++
		}
	}
	for ; col < end; col++ {
		screen.SetContent(col, y, ' ', nil, tcell.StyleDefault)
	}
}

// frame draws a line box spanning the full width.
func frame(screen tcell.Screen, top, width, height int) {
	if width < 2 || height < 2 {
		return
	}
	right, bottom := width-1, top+height-1
	for col := 1; col < right; col++ {
		screen.SetContent(col, top, tcell.RuneHLine, nil, dimStyle)
		screen.SetContent(col, bottom, tcell.RuneHLine, nil, dimStyle)
	}
	for row := top + 1; row < bottom; row++ {
		screen.SetContent(0, row, tcell.RuneVLine, nil, dimStyle)
		screen.SetContent(right, row, tcell.RuneVLine, nil, dimStyle)
	}
	screen.SetContent(0, top, tcell.RuneULCorner, nil, dimStyle)
	screen.SetContent(right, top, tcell.RuneURCorner, nil, dimStyle)
	screen.SetContent(0, bottom, tcell.RuneLLCorner, nil, dimStyle)
	screen.SetContent(right, bottom, tcell.RuneLRCorner, nil, dimStyle)
}

// fit pads or cuts value to exactly width runes.
func fit(value string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(value)
	if len(runes) >= width {
		return string(runes[:width])
	}
	return value + strings.Repeat(" ", width-len(runes))
}

func statusStyle(status state.Status) tcell.Style {
	switch status {
	case state.StatusOK:
		return tcell.StyleDefault.Foreground(tcell.ColorGreen)
	case state.StatusWarn:
		return tcell.StyleDefault.Foreground(tcell.ColorYellow)
	case state.StatusDown:
		return tcell.StyleDefault.Foreground(tcell.ColorRed)
	default:
		return dimStyle
	}
}

func formatRTT(rtt time.Duration) string {
	if rtt <= 0 {
		return "-"
	}
	return formatDuration(rtt)
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0"
	case d < time.Millisecond:
		return fmt.Sprintf("%dus", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
}

func formatConfigInfo(cfg config.GlobalOptions) string {
	return fmt.Sprintf(" interval=%s  timeout=%s  delay=%s  buffer=%d  ui.scale=%d",
		formatDuration(cfg.Interval), formatDuration(cfg.Timeout), formatDuration(cfg.Delay), cfg.BufferSize, cfg.UIScale)
}
