package engine

import (
	"context"
	"errors"
	"fmt"
)

// Hybrid routes each request to the static or browser engine by mode. In
// ModeAuto it fetches statically first and promotes to the browser when the
// detector says the page needs JavaScript.
type Hybrid struct {
	static   Engine
	render   Engine
	detector *Detector
}

// NewHybrid combines engines. render may be nil when no browser is available;
// ModeAuto then never promotes and ModeRender fails with ErrNoRenderer.
func NewHybrid(static, render Engine, detector *Detector) *Hybrid {
	if detector == nil {
		detector = NewDetector(0)
	}
	return &Hybrid{static: static, render: render, detector: detector}
}

// Fetch implements Engine.
func (h *Hybrid) Fetch(ctx context.Context, req Request) (Result, error) {
	switch req.Mode {
	case ModeStatic:
		return h.static.Fetch(ctx, req)
	case ModeRender:
		if h.render == nil {
			return Result{}, ErrNoRenderer
		}
		return h.render.Fetch(ctx, req)
	}
	res, err := h.static.Fetch(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if h.render == nil || !h.detector.NeedsRender(res) {
		return res, nil
	}
	rendered, err := h.render.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("promoted render: %w", err)
	}
	rendered.Duration += res.Duration
	return rendered, nil
}

// Recycle recycles both engines.
func (h *Hybrid) Recycle(ctx context.Context) error {
	errs := []error{h.static.Recycle(ctx)}
	if h.render != nil {
		errs = append(errs, h.render.Recycle(ctx))
	}
	return errors.Join(errs...)
}

// Close closes both engines.
func (h *Hybrid) Close() {
	h.static.Close()
	if h.render != nil {
		h.render.Close()
	}
}
