package session

const replayWindowSize = 64

// replayWindow tracks the highest accepted counter plus a 64-entry bitmap of
// recent counters. Exact repeats are rejected; unseen counters inside the
// window are accepted out of order; counters older than the window are
// rejected as indistinguishable from replays.
type replayWindow struct {
	max    uint64
	bitmap uint64
	primed bool
}

func (w *replayWindow) seen(seq uint64) bool {
	if !w.primed {
		return false
	}
	if seq > w.max {
		return false
	}
	diff := w.max - seq
	if diff >= replayWindowSize {
		return true
	}
	return w.bitmap&(1<<diff) != 0
}

func (w *replayWindow) accept(seq uint64) {
	if !w.primed || seq > w.max {
		shift := uint64(replayWindowSize)
		if w.primed {
			shift = seq - w.max
		}
		if shift >= replayWindowSize {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.max = seq
		w.primed = true
		return
	}
	diff := w.max - seq
	if diff < replayWindowSize {
		w.bitmap |= 1 << diff
	}
}

func (w *replayWindow) reset() {
	w.max = 0
	w.bitmap = 0
	w.primed = false
}
