package trace

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Pause-event markers printed by the debugger when the instrumented
// breakpoint is hit. The scanner stays dormant until it sees the full
// seek marker once; after that, any line carrying the event marker opens
// a new pause event.
const (
	SeekMarker  = "Breakpoint 2, execute_stack_op"
	EventMarker = "Breakpoint 2"
)

const (
	// windowSize is the number of raw machine words dumped per pause event
	// (three dump lines, two words each).
	windowSize = 6

	// wordsPerLine is the number of words consumed from each dump line.
	wordsPerLine = 2

	// maxStackWords is the length cap of a record's normalized window.
	maxStackWords = 5
)

// state identifies the scanner's position within one pause event.
type state int

const (
	// stateSeeking discards lines until a pause marker appears.
	stateSeeking state = iota
	// stateSkipHeader discards the source-location line after the marker.
	stateSkipHeader
	// stateReadAddress parses the "<address>: ..." instruction line.
	stateReadAddress
	// stateReadDepth parses the "<label> = <value>" counter line.
	stateReadDepth
	// stateReadWords parses the three word-dump lines.
	stateReadWords
)

// MalformedLineError reports a transcript line that was expected to carry
// a parseable integer but did not. The scan aborts; partial results are
// never returned alongside it.
type MalformedLineError struct {
	LineNumber int // 1-based transcript position
	Line       string
	Err        error
}

// Error implements the error interface.
func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("malformed trace line %d: %v", e.LineNumber, e.Err)
}

// Unwrap returns the underlying parse error.
func (e *MalformedLineError) Unwrap() error {
	return e.Err
}

// Scanner reconstructs pause-event records from a debugger transcript.
// A Scanner is single-use per call to Scan and carries no state between
// calls; independent Scanners may run in parallel.
type Scanner struct {
	engaged bool // seek marker seen at least once
	st      state
	rec     Record
	window  []uint64
	lines   int // word-dump lines consumed for the current event
}

// NewScanner creates a new transcript scanner.
func NewScanner() *Scanner {
	return &Scanner{window: make([]uint64, 0, windowSize)}
}

// Scan consumes the transcript from r line by line and returns one record
// per complete pause event, in transcript order.
//
// A transcript with no pause markers yields an empty slice and nil error.
// A trailing event cut off mid-dump is discarded silently. A numeric field
// that fails to parse aborts the scan with a *MalformedLineError.
func (s *Scanner) Scan(r io.Reader) ([]Record, error) {
	s.reset()

	var records []Record

	sc := bufio.NewScanner(r)
	// Transcripts interleave long quoted argument strings; allow lines
	// well past bufio's default token size.
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 1024*1024)

	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := sc.Text()

		// Nothing is interpreted before the first full marker.
		if !s.engaged {
			if !strings.Contains(line, SeekMarker) {
				continue
			}
			s.engaged = true
		}

		// An event marker opens a new event wherever it appears; an
		// in-progress event at that point was truncated and is dropped.
		if strings.Contains(line, EventMarker) {
			s.startEvent()
			continue
		}

		switch s.st {
		case stateSeeking:
			// Prose between events.

		case stateSkipHeader:
			s.st = stateReadAddress

		case stateReadAddress:
			addr, err := parseLeadingAddress(line)
			if err != nil {
				return nil, &MalformedLineError{LineNumber: lineNum, Line: line, Err: err}
			}
			// The breakpoint reports the instruction after the one
			// of interest.
			s.rec.InstructionAddress = addr - 1
			s.st = stateReadDepth

		case stateReadDepth:
			raw, err := parseScalarLine(line)
			if err != nil {
				return nil, &MalformedLineError{LineNumber: lineNum, Line: line, Err: err}
			}
			// The raw counter counts one extra slot.
			s.rec.ReportedDepth = int64(raw) - 1
			s.st = stateReadWords

		case stateReadWords:
			words, err := parseWordDumpLine(line)
			if err != nil {
				return nil, &MalformedLineError{LineNumber: lineNum, Line: line, Err: err}
			}
			s.window = append(s.window, words...)
			s.lines++
			if s.lines == windowSize/wordsPerLine {
				s.rec.StackWords = Normalize(s.window, s.rec.ReportedDepth)
				records = append(records, s.rec)
				s.endEvent()
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// reset returns the scanner to its initial dormant state.
func (s *Scanner) reset() {
	s.engaged = false
	s.endEvent()
}

// startEvent begins accumulating a new record.
func (s *Scanner) startEvent() {
	s.rec = Record{}
	s.window = s.window[:0]
	s.lines = 0
	s.st = stateSkipHeader
}

// endEvent discards any in-progress record and resumes seeking.
func (s *Scanner) endEvent() {
	s.rec = Record{}
	s.window = s.window[:0]
	s.lines = 0
	s.st = stateSeeking
}

// Normalize applies the depth correction to a complete raw window and
// returns the canonical stack snapshot.
//
// When depth < 6 only the bottom depth slots of the window are real stack
// content; they are kept in the order read (address-increasing) and the
// rest is dump-buffer noise beyond the top of stack. When depth covers the
// whole window, the first five words are the snapshot, re-expressed with
// index 0 = top of stack. The cutoff matches the fixed window size and is
// preserved as observed.
func Normalize(window []uint64, depth int64) []uint64 {
	if depth < windowSize {
		if depth <= 0 {
			return []uint64{}
		}
		out := make([]uint64, depth)
		copy(out, window[int64(len(window))-depth:])
		return out
	}

	out := make([]uint64, maxStackWords)
	for i := 0; i < maxStackWords; i++ {
		out[i] = window[maxStackWords-1-i]
	}
	return out
}

// parsePrefixedInt parses a textual integer accepting both 0x-prefixed
// hexadecimal and plain decimal. All numeric extraction points share it so
// malformed fields fail identically everywhere.
func parsePrefixedInt(field string) (uint64, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return 0, fmt.Errorf("empty numeric field")
	}
	v, err := strconv.ParseUint(field, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("not a prefixed integer: %q", field)
	}
	return v, nil
}

// parseLeadingAddress parses the "<address>:<rest>" instruction line.
func parseLeadingAddress(line string) (uint64, error) {
	head, _, ok := strings.Cut(line, ":")
	if !ok {
		return 0, fmt.Errorf("no address separator in %q", line)
	}
	return parsePrefixedInt(head)
}

// parseScalarLine parses the "<label> = <value>" counter line.
func parseScalarLine(line string) (uint64, error) {
	_, value, ok := strings.Cut(line, " = ")
	if !ok {
		return 0, fmt.Errorf("no scalar separator in %q", line)
	}
	return parsePrefixedInt(value)
}

// parseWordDumpLine parses one "<address>:\t<word>\t<word>" memory-dump
// line, returning the two machine words in printed order. Only the 2nd and
// 3rd tab-separated fields after the address matter; the first field is
// the empty run before the leading tab.
func parseWordDumpLine(line string) ([]uint64, error) {
	_, rest, ok := strings.Cut(line, ":")
	if !ok {
		return nil, fmt.Errorf("no address separator in %q", line)
	}
	fields := strings.Split(rest, "\t")
	if len(fields) < 3 {
		return nil, fmt.Errorf("expected two tab-separated words in %q", line)
	}

	words := make([]uint64, 0, wordsPerLine)
	for _, f := range fields[1:3] {
		w, err := parsePrefixedInt(f)
		if err != nil {
			return nil, err
		}
		words = append(words, w)
	}
	return words, nil
}
