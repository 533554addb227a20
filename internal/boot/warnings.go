package boot

// Warning is a non-fatal condition seen during a boot attempt.
type Warning struct {
	Stage   Stage
	Message string
}

// Warnings accumulates warnings for one boot attempt. OnWarn, when set, is
// called as each warning is added.
type Warnings struct {
	stage  Stage
	list   []Warning
	OnWarn func(w Warning)
}

// Warn implements loader.Warner.
func (w *Warnings) Warn(msg string) {
	ent := Warning{Stage: w.stage, Message: msg}
	w.list = append(w.list, ent)
	if w.OnWarn != nil {
		w.OnWarn(ent)
	}
}

// Count returns the number of warnings recorded.
func (w *Warnings) Count() int { return len(w.list) }

// List returns the recorded warnings in order.
func (w *Warnings) List() []Warning {
	return append([]Warning(nil), w.list...)
}
