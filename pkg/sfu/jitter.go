package sfu

// JitterFrames is how many decoded frames a peer may have queued.
const JitterFrames = 5

// jitterBuffer is a bounded FIFO of decoded frames. When full, the oldest
// frame is dropped to make room.
type jitterBuffer struct {
	frames [][]int16
}

func (jb *jitterBuffer) push(pcm []int16) (dropped bool) {
	if len(jb.frames) >= JitterFrames {
		copy(jb.frames, jb.frames[1:])
		jb.frames = jb.frames[:len(jb.frames)-1]
		dropped = true
	}
	jb.frames = append(jb.frames, pcm)
	return dropped
}

func (jb *jitterBuffer) pop() ([]int16, bool) {
	if len(jb.frames) == 0 {
		return nil, false
	}
	f := jb.frames[0]
	copy(jb.frames, jb.frames[1:])
	jb.frames[len(jb.frames)-1] = nil
	jb.frames = jb.frames[:len(jb.frames)-1]
	return f, true
}

func (jb *jitterBuffer) len() int { return len(jb.frames) }
