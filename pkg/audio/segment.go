package audio

import "time"

// Segmenter defaults.
const (
	// DefaultSpeechThreshold is the RMS level (in 16-bit sample units) below
	// which audio counts as silence. 300 of a possible 32767 is near silence.
	DefaultSpeechThreshold = 300.0

	DefaultTrailingSilence = 500 * time.Millisecond
	DefaultMaxUtterance    = 10 * time.Second
	DefaultNoInputTimeout  = 5 * time.Second
)

// SegmentKind identifies what a Segment carries.
type SegmentKind int

const (
	// SegmentUtterance is a completed stretch of speech.
	SegmentUtterance SegmentKind = iota

	// SegmentNoInput reports that the no-input window passed without speech.
	SegmentNoInput
)

// String returns the human-readable name of the kind.
func (k SegmentKind) String() string {
	if k == SegmentNoInput {
		return "no-input"
	}
	return "utterance"
}

// Segment is one result of feeding audio through a Segmenter.
type Segment struct {
	Kind SegmentKind

	// PCM holds the utterance audio including trailing silence. Empty for
	// SegmentNoInput.
	PCM []byte

	// Duration is the length of PCM, or of the silent window for
	// SegmentNoInput.
	Duration time.Duration
}

// SegmenterConfig tunes a Segmenter. Zero values select the defaults above,
// except NoInput where a negative value disables the no-input report.
type SegmenterConfig struct {
	Format          Format
	Threshold       float64
	TrailingSilence time.Duration
	MaxUtterance    time.Duration
	NoInput         time.Duration
}

// Segmenter splits a PCM stream into utterances with an RMS energy detector.
// Leading silence is discarded; an utterance closes after TrailingSilence of
// quiet or when it reaches MaxUtterance.
//
// A Segmenter is not safe for concurrent use.
type Segmenter struct {
	cfg SegmenterConfig

	buf       []byte
	hadSpeech bool
	silence   time.Duration
	idle      time.Duration
}

// NewSegmenter returns a Segmenter for cfg with defaults applied.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		cfg.Format = DefaultFormat
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultSpeechThreshold
	}
	if cfg.TrailingSilence <= 0 {
		cfg.TrailingSilence = DefaultTrailingSilence
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = DefaultMaxUtterance
	}
	if cfg.NoInput == 0 {
		cfg.NoInput = DefaultNoInputTimeout
	}
	return &Segmenter{cfg: cfg}
}

// Speaking reports whether an utterance is in progress.
func (s *Segmenter) Speaking() bool { return s.hadSpeech }

// Push feeds one chunk of PCM and returns a segment when one completes.
func (s *Segmenter) Push(pcm []byte) (Segment, bool) {
	d := s.cfg.Format.Duration(len(pcm))

	if RMS(pcm) < s.cfg.Threshold {
		if !s.hadSpeech {
			s.idle += d
			if s.cfg.NoInput > 0 && s.idle >= s.cfg.NoInput {
				idle := s.idle
				s.idle = 0
				return Segment{Kind: SegmentNoInput, Duration: idle}, true
			}
			return Segment{}, false
		}
		s.silence += d
		s.buf = append(s.buf, pcm...)
		if s.silence >= s.cfg.TrailingSilence {
			return s.cut(), true
		}
		return Segment{}, false
	}

	s.hadSpeech = true
	s.silence = 0
	s.buf = append(s.buf, pcm...)
	if s.cfg.Format.Duration(len(s.buf)) >= s.cfg.MaxUtterance {
		return s.cut(), true
	}
	return Segment{}, false
}

// Flush returns the utterance in progress, if any, and resets the segmenter.
func (s *Segmenter) Flush() (Segment, bool) {
	if !s.hadSpeech || len(s.buf) == 0 {
		s.reset()
		return Segment{}, false
	}
	return s.cut(), true
}

func (s *Segmenter) cut() Segment {
	seg := Segment{
		Kind:     SegmentUtterance,
		PCM:      s.buf,
		Duration: s.cfg.Format.Duration(len(s.buf)),
	}
	s.reset()
	return seg
}

func (s *Segmenter) reset() {
	s.buf = nil
	s.hadSpeech = false
	s.silence = 0
	s.idle = 0
}
