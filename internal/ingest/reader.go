// Package ingest reads per-frame detection sets from JSON lines and writes
// corrected frames back out in the same framing.
//
// One input line is one frame:
//
//	{"frame": 12, "detections": [{"id": 3, "bbox": [x1, y1, x2, y2]}]}
//
// "items" is accepted in place of "detections". With "format": "xywh" the
// bbox is read as [x, y, width, height].
package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/banshee-data/trajectory.report/internal/geometry"
	"github.com/banshee-data/trajectory.report/internal/tracking"
)

// Box formats accepted in the "format" field.
const (
	FormatXYXY = "xyxy"
	FormatXYWH = "xywh"
)

// maxLineBytes bounds a single frame line.
const maxLineBytes = 16 * 1024 * 1024

// ErrMalformed is wrapped by every parse error.
var ErrMalformed = errors.New("malformed frame")

// Frame is one parsed detection set.
type Frame struct {
	Index      int64
	Detections []tracking.Detection
}

// Reader yields frames from a JSON-lines stream.
type Reader struct {
	sc      *bufio.Scanner
	line    int
	next    int64 // index assigned to lines without "frame"
	skip    int
	format  string
	skipped int64
}

// NewReader returns a Reader that yields every frame in xyxy format.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{sc: sc, skip: 1, format: FormatXYXY}
}

// SetSkipInterval makes the reader yield only the last frame of every group
// of k. Values below 1 are treated as 1.
func (r *Reader) SetSkipInterval(k int) {
	if k < 1 {
		k = 1
	}
	r.skip = k
}

// SetDefaultFormat sets the box format for lines without a "format" field.
func (r *Reader) SetDefaultFormat(format string) error {
	switch format {
	case FormatXYXY, FormatXYWH:
		r.format = format
		return nil
	}
	return fmt.Errorf("unknown box format %q", format)
}

// Skipped returns how many frames were dropped by the skip interval.
func (r *Reader) Skipped() int64 { return r.skipped }

// Next returns the next frame, or io.EOF when the stream is exhausted.
func (r *Reader) Next() (Frame, error) {
	for i := 1; ; i++ {
		data, err := r.nextLine()
		if err != nil {
			return Frame{}, err
		}
		if i < r.skip {
			// Skipped lines still have to be well formed and still move
			// the frame counter.
			if _, _, err := r.header(data); err != nil {
				return Frame{}, fmt.Errorf("line %d: %w", r.line, err)
			}
			r.skipped++
			continue
		}
		f, err := r.parse(data)
		if err != nil {
			return Frame{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return f, nil
	}
}

func (r *Reader) nextLine() ([]byte, error) {
	for r.sc.Scan() {
		r.line++
		data := r.sc.Bytes()
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		return data, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("read detections: %w", err)
	}
	return nil, io.EOF
}

// header validates a line and resolves its frame index, advancing the
// running counter.
func (r *Reader) header(data []byte) (gjson.Result, int64, error) {
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, 0, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return gjson.Result{}, 0, fmt.Errorf("%w: expected an object", ErrMalformed)
	}
	index := r.next
	if idx := doc.Get("frame"); idx.Exists() {
		if idx.Type != gjson.Number {
			return gjson.Result{}, 0, fmt.Errorf("%w: frame must be a number", ErrMalformed)
		}
		index = idx.Int()
	}
	r.next = index + 1
	return doc, index, nil
}

func (r *Reader) parse(data []byte) (Frame, error) {
	doc, index, err := r.header(data)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Index: index}

	format := r.format
	if v := doc.Get("format"); v.Exists() {
		format = strings.ToLower(v.String())
		if format != FormatXYXY && format != FormatXYWH {
			return Frame{}, fmt.Errorf("%w: unknown format %q", ErrMalformed, v.String())
		}
	}

	items := doc.Get("detections")
	if !items.Exists() {
		items = doc.Get("items")
	}
	if !items.Exists() || items.Type == gjson.Null {
		return f, nil
	}
	if !items.IsArray() {
		return Frame{}, fmt.Errorf("%w: detections must be an array", ErrMalformed)
	}

	var perr error
	items.ForEach(func(key, item gjson.Result) bool {
		d, err := parseDetection(item, format)
		if err != nil {
			perr = fmt.Errorf("detection %d: %w", key.Int(), err)
			return false
		}
		f.Detections = append(f.Detections, d)
		return true
	})
	if perr != nil {
		return Frame{}, perr
	}
	return f, nil
}

func parseDetection(item gjson.Result, format string) (tracking.Detection, error) {
	id := item.Get("id")
	if id.Type != gjson.Number {
		return tracking.Detection{}, fmt.Errorf("%w: missing numeric id", ErrMalformed)
	}
	raw := item.Get("bbox").Array()
	if len(raw) != 4 {
		return tracking.Detection{}, fmt.Errorf("%w: bbox needs 4 numbers, got %d", ErrMalformed, len(raw))
	}
	var c [4]float64
	for i, v := range raw {
		if v.Type != gjson.Number {
			return tracking.Detection{}, fmt.Errorf("%w: bbox[%d] is not a number", ErrMalformed, i)
		}
		c[i] = v.Float()
		if math.IsNaN(c[i]) || math.IsInf(c[i], 0) {
			return tracking.Detection{}, fmt.Errorf("%w: bbox[%d] is not finite", ErrMalformed, i)
		}
	}

	var box geometry.BoundingBox
	if format == FormatXYWH {
		box = geometry.FromXYWH(c[0], c[1], c[2], c[3])
	} else {
		box = geometry.FromCoords(c)
	}
	return tracking.Detection{TrackID: id.Int(), Box: box}, nil
}

// SkipInterval returns how many source frames make up one processed frame
// when downsampling sourceFPS to targetFPS. It is never less than 1.
func SkipInterval(sourceFPS, targetFPS float64) int {
	if sourceFPS <= 0 || targetFPS <= 0 {
		return 1
	}
	k := int(math.Floor(sourceFPS / targetFPS))
	if k < 1 {
		return 1
	}
	return k
}
