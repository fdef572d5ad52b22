package abr

import "math"

// Seconds added to every computed level so the chooser never plans down to
// an empty buffer.
const bufferLevelPadding = 4

// BufferBasedSample feeds the chooser whenever a segment lands in the
// buffer.
type BufferBasedSample struct {
	BufferGap float64
	// CurrentBitrate is the bitrate of the Representation currently
	// playing, -1 when none is yet.
	CurrentBitrate int64
	Score          float64
	ScoreKnown     bool
	Speed          float64
}

// BufferBasedChooser is a BOLA-flavored quality picker. Every bitrate of
// the ladder gets a minimum buffer level derived from its utility; the
// chooser climbs to a bitrate once the buffer covers its level and the
// current quality proved sustainable, and steps down as soon as the buffer
// falls under the level of the current one.
type BufferBasedChooser struct {
	bitrates []int64
	levels   []float64
	estimate int64
}

// NewBufferBasedChooser builds a chooser for the given ascending bitrate
// ladder.
func NewBufferBasedChooser(bitrates []int64) *BufferBasedChooser {
	return &BufferBasedChooser{
		bitrates: bitrates,
		levels:   bufferLevels(bitrates),
		estimate: -1,
	}
}

// OnAddedSegment reconsiders the estimate against a fresh buffer sample.
func (b *BufferBasedChooser) OnAddedSegment(s BufferBasedSample) {
	if len(b.bitrates) == 0 {
		return
	}
	if s.CurrentBitrate < 0 {
		b.estimate = b.bitrates[0]
		return
	}
	idx := -1
	for i, br := range b.bitrates {
		if br == s.CurrentBitrate {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.estimate = -1
		return
	}

	speed := s.Speed
	if speed == 0 {
		speed = 1
	}
	scaledScore := 0.0
	if s.ScoreKnown {
		scaledScore = s.Score / speed
	}

	if s.ScoreKnown && scaledScore > 1 {
		currentLevel := b.levels[idx]
		nextIdx := -1
		for i := idx + 1; i < len(b.bitrates); i++ {
			if b.levels[i] > currentLevel {
				nextIdx = i
				break
			}
		}
		if nextIdx >= 0 && s.BufferGap >= b.levels[nextIdx] {
			b.estimate = b.bitrates[nextIdx]
			return
		}
	}

	// A score under 1.15 is too close to real time to defend the current
	// level once the buffer dips under it.
	if !s.ScoreKnown || scaledScore < 1.15 {
		if s.BufferGap < b.levels[idx] {
			newIdx := 0
			for i := idx - 1; i >= 0; i-- {
				if b.levels[i] <= s.BufferGap {
					newIdx = i
					break
				}
			}
			b.estimate = b.bitrates[newIdx]
			return
		}
	}

	b.estimate = s.CurrentBitrate
}

// LastEstimate returns the current buffer-based bitrate, -1 while the
// chooser has no opinion.
func (b *BufferBasedChooser) LastEstimate() int64 {
	return b.estimate
}

// bufferLevels computes, for each bitrate of the ascending ladder, the
// buffer level in seconds above which that bitrate becomes reasonable.
// The shape follows BOLA: utilities are log-compressed bitrate gains and
// each level is where the decision rule becomes indifferent between a
// bitrate and its predecessor.
func bufferLevels(bitrates []int64) []float64 {
	if len(bitrates) == 0 {
		return nil
	}
	logs := make([]float64, len(bitrates))
	for i, b := range bitrates {
		logs[i] = math.Log(float64(b) / float64(bitrates[0]))
	}
	utilities := make([]float64, len(logs))
	for i, l := range logs {
		utilities[i] = l - logs[0] + 1
	}
	gp := (utilities[len(utilities)-1] - 1) / (float64(len(bitrates))*2 + 10)
	vp := 0.0
	if gp > 0 {
		vp = 1 / gp
	}

	levels := make([]float64, len(bitrates))
	for i := range bitrates {
		levels[i] = minBufferLevel(bitrates, utilities, gp, vp, i)
	}
	return levels
}

func minBufferLevel(bitrates []int64, utilities []float64, gp, vp float64, index int) float64 {
	if index == 0 {
		return 0
	}
	if bitrates[index] == bitrates[index-1] {
		return minBufferLevel(bitrates, utilities, gp, vp, index-1)
	}
	hi := float64(bitrates[index])
	lo := float64(bitrates[index-1])
	return vp*(gp+(hi*utilities[index-1]-lo*utilities[index])/(hi-lo)) + bufferLevelPadding
}
