// Package violation turns noisy per-frame detections into debounced,
// rate-limited violation firings.
package violation

// Window is a fixed-capacity ring of hit flags. It starts full of zeros, so
// Len always equals its capacity.
type Window struct {
	flags []bool
	next  int
	ones  int
}

// NewWindow creates a zero-filled window of the given capacity.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{flags: make([]bool, size)}
}

// Push appends a flag, evicting the oldest.
func (w *Window) Push(hit bool) {
	if w.flags[w.next] {
		w.ones--
	}
	w.flags[w.next] = hit
	if hit {
		w.ones++
	}
	w.next = (w.next + 1) % len(w.flags)
}

// Len returns the window capacity.
func (w *Window) Len() int {
	return len(w.flags)
}

// Ones returns the number of hits in the window.
func (w *Window) Ones() int {
	return w.ones
}

// Ratio returns ones/capacity.
func (w *Window) Ratio() float64 {
	return float64(w.ones) / float64(len(w.flags))
}

// Active reports whether the ratio reaches threshold.
func (w *Window) Active(threshold float64) bool {
	// tolerate float rounding of threshold*len (0.8*20 etc.)
	return float64(w.ones) >= threshold*float64(len(w.flags))-1e-9
}

// Fill sets every slot to v.
func (w *Window) Fill(v bool) {
	for i := range w.flags {
		w.flags[i] = v
	}
	w.next = 0
	if v {
		w.ones = len(w.flags)
	} else {
		w.ones = 0
	}
}

// Reset refills the window with zeros.
func (w *Window) Reset() {
	w.Fill(false)
}

// Smoother keeps one Window per class.
type Smoother struct {
	size    int
	windows map[string]*Window
}

// NewSmoother creates windows of the given size for each class.
func NewSmoother(size int, classes ...string) *Smoother {
	s := &Smoother{size: size, windows: make(map[string]*Window, len(classes))}
	for _, c := range classes {
		s.windows[c] = NewWindow(size)
	}
	return s
}

// Observe appends hit to the class window, creating it on first use.
func (s *Smoother) Observe(class string, hit bool) {
	s.window(class).Push(hit)
}

// Ratio returns the activation ratio of class, 0 for unknown classes.
func (s *Smoother) Ratio(class string) float64 {
	if w, ok := s.windows[class]; ok {
		return w.Ratio()
	}
	return 0
}

// Active reports whether class is at or above threshold.
func (s *Smoother) Active(class string, threshold float64) bool {
	if w, ok := s.windows[class]; ok {
		return w.Active(threshold)
	}
	return false
}

// Reset zero-fills the class window.
func (s *Smoother) Reset(class string) {
	if w, ok := s.windows[class]; ok {
		w.Reset()
	}
}

// Has reports whether a window exists for class.
func (s *Smoother) Has(class string) bool {
	_, ok := s.windows[class]
	return ok
}

// Ensure creates the class window filled with v if it does not exist yet.
func (s *Smoother) Ensure(class string, v bool) *Window {
	if w, ok := s.windows[class]; ok {
		return w
	}
	w := NewWindow(s.size)
	w.Fill(v)
	s.windows[class] = w
	return w
}

// Drop removes the class window.
func (s *Smoother) Drop(class string) {
	delete(s.windows, class)
}

// Window returns the class window, or nil.
func (s *Smoother) Window(class string) *Window {
	return s.windows[class]
}

func (s *Smoother) window(class string) *Window {
	w, ok := s.windows[class]
	if !ok {
		w = NewWindow(s.size)
		s.windows[class] = w
	}
	return w
}
