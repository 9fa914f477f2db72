package main

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"os"
	"slices"
	"strings"

	"gioui.org/app"
	"gioui.org/font"
	"gioui.org/font/gofont"
	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/text"
	"gioui.org/unit"
	"gioui.org/widget"
	"gioui.org/widget/material"
	"golang.org/x/sync/errgroup"

	"evaldb/internal/config"
	"evaldb/internal/transport"
	"evaldb/pkg/generation"
	"evaldb/pkg/render"
	"evaldb/pkg/session"
)

var (
	theme *material.Theme

	grey   = color.NRGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xFF}
	red    = color.NRGBA{R: 0xFF, G: 0x50, B: 0x50, A: 0xFF}
	green  = color.NRGBA{R: 0x40, G: 0xC0, B: 0x60, A: 0xFF}
	headBg = color.NRGBA{R: 0x30, G: 0x60, B: 0xA0, A: 0xFF}
)

type UI struct {
	ctx context.Context
	s   *session.Session
	db  string

	treeList widget.List
	buttons  map[generation.ID]*rowButtons

	codeEditor widget.Editor
	argsEditor widget.Editor
	goBtn      widget.Clickable
	roBtn      widget.Clickable

	// synced is the draft the editors currently show.
	synced session.Draft
}

type rowButtons struct {
	goTo widget.Clickable
	edit widget.Clickable
}

func main() {
	cfg, err := config.Load(os.Getenv("EVALDB_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ui: %v\n", err)
		os.Exit(1)
	}
	log := cfg.Log.Logger(os.Stderr)
	if cfg.Client.DB == "" {
		log.Error("EVALDB_DB is required")
		os.Exit(1)
	}

	theme = material.NewTheme()
	theme.Shaper = text.NewShaper(text.WithCollection(gofont.Collection()))
	theme.Palette.Bg = color.NRGBA{R: 0x12, G: 0x12, B: 0x12, A: 0xFF}
	theme.Palette.Fg = color.NRGBA{R: 0xE0, G: 0xE0, B: 0xE0, A: 0xFF}
	theme.Palette.ContrastBg = headBg
	theme.Palette.ContrastFg = color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}

	c := transport.New(cfg.Client.URL, cfg.Client.DB, log)
	ctx, cancel := context.WithCancel(context.Background())

	ui := &UI{
		ctx:     ctx,
		s:       session.New(c, log),
		db:      cfg.Client.DB,
		buttons: make(map[generation.ID]*rowButtons),
	}
	ui.treeList.Axis = layout.Vertical

	w := new(app.Window)
	w.Option(app.Title("evaldb: " + cfg.Client.DB))
	w.Option(app.Size(unit.Dp(1000), unit.Dp(800)))
	ui.s.OnChange(w.Invalidate)

	feed := make(chan generation.Transaction, 64)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if cfg.Client.Feed == "ws" {
			return c.TailWS(gctx, feed)
		}
		return c.Tail(gctx, feed)
	})
	g.Go(func() error { return ui.s.Run(gctx, feed) })

	go func() {
		err := ui.run(w)
		cancel()
		if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			log.Error("session stopped", "error", werr)
		}
		if err != nil {
			log.Error("window", "error", err)
			os.Exit(1)
		}
		os.Exit(0)
	}()
	app.Main()
}

func (ui *UI) run(w *app.Window) error {
	var ops op.Ops
	for {
		switch e := w.Event().(type) {
		case app.DestroyEvent:
			return e.Err
		case app.FrameEvent:
			gtx := app.NewContext(&ops, e)
			ui.handleInput(gtx)
			snap := ui.s.Snapshot()
			ui.syncEditors(snap.Draft)
			ui.layout(gtx, snap)
			e.Frame(gtx.Ops)
		}
	}
}

func (ui *UI) button(id generation.ID) *rowButtons {
	b, ok := ui.buttons[id]
	if !ok {
		b = &rowButtons{}
		ui.buttons[id] = b
	}
	return b
}

func (ui *UI) handleInput(gtx layout.Context) {
	for id, b := range ui.buttons {
		if b.goTo.Clicked(gtx) {
			ui.s.Goto(id)
		}
		if b.edit.Clicked(gtx) {
			ui.s.Edit(id)
		}
	}

	changed := false
	for _, ed := range []*widget.Editor{&ui.codeEditor, &ui.argsEditor} {
		for {
			ev, ok := ed.Update(gtx)
			if !ok {
				break
			}
			if _, ok := ev.(widget.ChangeEvent); ok {
				changed = true
			}
		}
	}
	if changed {
		code := ui.codeEditor.Text()
		args := render.ParseArgs(ui.argsEditor.Text())
		ui.s.EditDraft(session.DraftPatch{Code: &code, Args: args})
		ui.synced = session.Draft{Code: code, Args: args}
	}

	if ui.goBtn.Clicked(gtx) {
		ui.s.Submit(ui.ctx, false)
	}
	if ui.roBtn.Clicked(gtx) {
		ui.s.Submit(ui.ctx, true)
	}
}

// syncEditors shows d when the session changed the draft itself, after a
// submit or an edit.
func (ui *UI) syncEditors(d session.Draft) {
	if d.Code == ui.synced.Code && slices.Equal(d.Args, ui.synced.Args) {
		return
	}
	ui.codeEditor.SetText(d.Code)
	ui.argsEditor.SetText(render.FormatArgs(d.Args))
	ui.synced = d
}

func (ui *UI) layout(gtx layout.Context, snap session.Snapshot) layout.Dimensions {
	rows := render.Flatten(snap)
	return layout.Inset{Top: unit.Dp(16), Right: unit.Dp(16), Bottom: unit.Dp(16), Left: unit.Dp(16)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				return material.H6(theme, fmt.Sprintf("%s  (head %d)", ui.db, snap.Head)).Layout(gtx)
			}),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				label := material.Caption(theme, render.Ancestry(ui.s.Store(), snap.Head))
				label.Color = grey
				return label.Layout(gtx)
			}),
			layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
			layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
				return material.List(theme, &ui.treeList).Layout(gtx, len(rows), func(gtx layout.Context, i int) layout.Dimensions {
					return ui.layoutRow(gtx, rows[i])
				})
			}),
			layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				return ui.layoutDraft(gtx, snap.Draft)
			}),
		)
	})
}

func (ui *UI) layoutRow(gtx layout.Context, r render.Row) layout.Dimensions {
	b := ui.button(r.Node.ID)
	n := r.Node
	return layout.Inset{Left: unit.Dp(float32(20 * r.Depth)), Bottom: unit.Dp(6)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				return layout.Flex{Alignment: layout.Middle}.Layout(gtx,
					layout.Rigid(func(gtx layout.Context) layout.Dimensions {
						return material.Clickable(gtx, &b.goTo, func(gtx layout.Context) layout.Dimensions {
							prefix := "  "
							if r.Fork {
								prefix = "+ "
							}
							if r.IsHead {
								prefix = "* "
							}
							label := material.Body2(theme, prefix+render.Label(n))
							label.Font.Weight = font.Bold
							switch {
							case r.IsHead:
								label.Color = theme.Palette.ContrastFg
							case n.Kind == generation.KindPlaceholder:
								label.Color = grey
							}
							return label.Layout(gtx)
						})
					}),
					layout.Rigid(layout.Spacer{Width: unit.Dp(8)}.Layout),
					layout.Rigid(func(gtx layout.Context) layout.Dimensions {
						if n.Kind != generation.KindEvaluated {
							return layout.Dimensions{}
						}
						btn := material.Button(theme, &b.edit, "Edit")
						btn.TextSize = unit.Sp(11)
						btn.Inset = layout.UniformInset(unit.Dp(4))
						return btn.Layout(gtx)
					}),
				)
			}),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				if n.Kind != generation.KindEvaluated {
					return layout.Dimensions{}
				}
				body := render.Signature(n.Query.Args) + "\n  " + strings.ReplaceAll(n.Query.Code, "\n", "\n  ") + "\nend"
				return material.Caption(theme, body).Layout(gtx)
			}),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				if n.Kind != generation.KindEvaluated {
					return layout.Dimensions{}
				}
				label := material.Caption(theme, render.Outcome(n))
				label.Color = green
				if n.Result.Failed() {
					label.Color = red
				}
				return label.Layout(gtx)
			}),
		)
	})
}

func (ui *UI) layoutDraft(gtx layout.Context, d session.Draft) layout.Dimensions {
	var bad []string
	for _, m := range d.Markers() {
		if !m.ValidJSON {
			bad = append(bad, m.Name)
		}
	}
	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return material.Editor(theme, &ui.argsEditor, "name = json, one per line").Layout(gtx)
		}),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			if len(bad) == 0 {
				return layout.Dimensions{}
			}
			label := material.Caption(theme, "invalid json: "+strings.Join(bad, ", "))
			label.Color = red
			return label.Layout(gtx)
		}),
		layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			gtx.Constraints.Min.Y = gtx.Dp(unit.Dp(80))
			return material.Editor(theme, &ui.codeEditor, "code").Layout(gtx)
		}),
		layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.Flex{}.Layout(gtx,
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					return material.Button(theme, &ui.goBtn, "Go").Layout(gtx)
				}),
				layout.Rigid(layout.Spacer{Width: unit.Dp(8)}.Layout),
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					btn := material.Button(theme, &ui.roBtn, "Readonly")
					btn.Background = grey
					return btn.Layout(gtx)
				}),
			)
		}),
	)
}
